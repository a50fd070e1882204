package loader

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZookeeperProvider loads documents from ZooKeeper nodes.
type ZookeeperProvider struct {
	conn *zk.Conn
}

func NewZookeeperProvider(endpoints []string) (*ZookeeperProvider, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("zookeeper endpoints are required")
	}

	conn, _, err := zk.Connect(endpoints, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}

	return &ZookeeperProvider{conn: conn}, nil
}

func (p *ZookeeperProvider) Type() Type {
	return TypeZookeeper
}

func (p *ZookeeperProvider) Load(ctx context.Context, key string) ([]byte, error) {
	data, _, err := p.conn.Get(zkPath(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read zookeeper path %s: %w", key, err)
	}
	return data, nil
}

func (p *ZookeeperProvider) Resolve(base, ref string) (string, error) {
	if strings.HasPrefix(ref, "/") {
		return path.Clean(ref), nil
	}
	return path.Clean(path.Join(path.Dir(zkPath(base)), ref)), nil
}

// Watch re-arms a GetW watch each time it fires. Data changes signal the
// channel; deletion or a lost watch ends it.
func (p *ZookeeperProvider) Watch(ctx context.Context, key string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	go func() {
		defer close(ch)
		for {
			_, _, eventCh, err := p.conn.GetW(zkPath(key))
			if err != nil {
				slog.Error("Zookeeper watch error", "path", key, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				switch event.Type {
				case zk.EventNodeDataChanged:
					select {
					case ch <- struct{}{}:
					default:
					}
				case zk.EventNodeDeleted:
					slog.Warn("Zookeeper node deleted", "path", key)
					return
				case zk.EventNotWatching:
					slog.Warn("Zookeeper watch lost", "path", key)
					return
				}
			}
		}
	}()

	return ch, nil
}

func (p *ZookeeperProvider) Close() error {
	if p.conn != nil {
		p.conn.Close()
	}
	return nil
}

// zkPath ensures the leading slash zookeeper requires.
func zkPath(key string) string {
	if strings.HasPrefix(key, "/") {
		return path.Clean(key)
	}
	return path.Clean("/" + key)
}

var _ Provider = (*ZookeeperProvider)(nil)
