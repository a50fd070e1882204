package loader

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
)

// ConsulProvider loads documents from the Consul KV store. Watching uses
// blocking queries keyed on the modify index.
type ConsulProvider struct {
	client *api.Client
}

func NewConsulProvider(endpoints []string) (*ConsulProvider, error) {
	cfg := api.DefaultConfig()
	if len(endpoints) > 0 {
		cfg.Address = endpoints[0]
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	return &ConsulProvider{client: client}, nil
}

func (p *ConsulProvider) Type() Type {
	return TypeConsul
}

func (p *ConsulProvider) Load(ctx context.Context, key string) ([]byte, error) {
	opts := (&api.QueryOptions{}).WithContext(ctx)
	pair, _, err := p.client.KV().Get(normalizeKey(key), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to read consul key %s: %w", key, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("consul key %s not found", key)
	}
	return pair.Value, nil
}

// Resolve joins include references the way slash-separated KV keys nest.
// A leading slash anchors the reference at the KV root.
func (p *ConsulProvider) Resolve(base, ref string) (string, error) {
	if strings.HasPrefix(ref, "/") {
		return normalizeKey(ref), nil
	}
	return normalizeKey(path.Join(path.Dir(base), ref)), nil
}

func (p *ConsulProvider) Watch(ctx context.Context, key string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	go func() {
		defer close(ch)

		var lastIndex uint64
		for {
			opts := (&api.QueryOptions{
				WaitIndex: lastIndex,
				WaitTime:  5 * time.Minute,
			}).WithContext(ctx)

			_, meta, err := p.client.KV().Get(normalizeKey(key), opts)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				slog.Error("Consul watch error", "key", key, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			if meta.LastIndex != lastIndex {
				if lastIndex != 0 {
					select {
					case ch <- struct{}{}:
					default:
					}
				}
				lastIndex = meta.LastIndex
			}
		}
	}()

	return ch, nil
}

func (p *ConsulProvider) Close() error {
	return nil
}

func normalizeKey(key string) string {
	return strings.TrimPrefix(path.Clean(key), "/")
}

var _ Provider = (*ConsulProvider)(nil)
