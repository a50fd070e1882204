package loader

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdProvider loads documents from etcd.
type EtcdProvider struct {
	client *clientv3.Client
}

func NewEtcdProvider(endpoints []string) (*EtcdProvider, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints are required")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return &EtcdProvider{client: client}, nil
}

func (p *EtcdProvider) Type() Type {
	return TypeEtcd
}

func (p *EtcdProvider) Load(ctx context.Context, key string) ([]byte, error) {
	resp, err := p.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read etcd key %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("etcd key %s not found", key)
	}
	return resp.Kvs[0].Value, nil
}

func (p *EtcdProvider) Resolve(base, ref string) (string, error) {
	if strings.HasPrefix(ref, "/") {
		return path.Clean(ref), nil
	}
	return path.Clean(path.Join(path.Dir(base), ref)), nil
}

func (p *EtcdProvider) Watch(ctx context.Context, key string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	watchCh := p.client.Watch(ctx, key)

	go func() {
		defer close(ch)
		for resp := range watchCh {
			if err := resp.Err(); err != nil {
				slog.Error("Etcd watch error", "key", key, "error", err)
				continue
			}
			if len(resp.Events) > 0 {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	return ch, nil
}

func (p *EtcdProvider) Close() error {
	return p.client.Close()
}

var _ Provider = (*EtcdProvider)(nil)
