package channelsync

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"unicode"

	"bitbucket.org/mmdatafocus/stock_sync/models"
	"bitbucket.org/mmdatafocus/stock_sync/stockkey"
	"bitbucket.org/mmdatafocus/stock_sync/utils"
)

type Registry struct {
	mu      sync.RWMutex
	clients map[models.Channel]ChannelClient
}

func NewRegistry(clients ...ChannelClient) *Registry {
	r := &Registry{clients: make(map[models.Channel]ChannelClient, len(clients))}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

func (r *Registry) Register(c ChannelClient) {
	r.mu.Lock()
	r.clients[c.Channel()] = c
	r.mu.Unlock()
}

func (r *Registry) Get(channel models.Channel) (ChannelClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[channel]
	return c, ok
}

func (r *Registry) Channels() []models.Channel {
	r.mu.RLock()
	out := make([]models.Channel, 0, len(r.clients))
	for ch := range r.clients {
		out = append(out, ch)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ProductNamer is implemented by clients that can look up a single product name.
type ProductNamer interface {
	FetchProductName(ctx context.Context, key stockkey.CanonicalKey) (string, error)
}

// FetchProductName routes a name lookup to the client registered for source, so a Registry can
// serve as the name sync job's source.
func (r *Registry) FetchProductName(ctx context.Context, source string, key stockkey.CanonicalKey) (string, error) {
	c, ok := r.Get(models.Channel(source))
	if !ok {
		return "", fmt.Errorf("no channel client registered for %q", source)
	}
	namer, ok := c.(ProductNamer)
	if !ok {
		return "", fmt.Errorf("channel %q cannot look up product names", source)
	}
	return namer.FetchProductName(ctx, key)
}

// RegistryFromEnv builds HTTP clients for every channel in STOCK_CHANNELS.
// Per channel: CHANNEL_<NAME>_BASE_URL, _API_KEY, _API_KEY_HEADER, _PRIMARY_PATH,
// _ANALYTICS_PATH, _PRODUCT_PATH, _RATE_LIMIT_PER_MIN.
func RegistryFromEnv() (*Registry, error) {
	reg := NewRegistry()
	for _, name := range utils.SplitAndTrim(os.Getenv("STOCK_CHANNELS")) {
		prefix := "CHANNEL_" + envName(name) + "_"
		client, err := NewHTTPClient(HTTPClientConfig{
			Channel:       models.Channel(name),
			BaseURL:       os.Getenv(prefix + "BASE_URL"),
			APIKey:        os.Getenv(prefix + "API_KEY"),
			APIKeyHeader:  utils.StringFromEnv(prefix+"API_KEY_HEADER", ""),
			PrimaryPath:   utils.StringFromEnv(prefix+"PRIMARY_PATH", ""),
			AnalyticsPath: utils.StringFromEnv(prefix+"ANALYTICS_PATH", ""),
			ProductPath:   utils.StringFromEnv(prefix+"PRODUCT_PATH", ""),
			RatePerMinute: utils.IntFromEnv(prefix+"RATE_LIMIT_PER_MIN", 60),
		})
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", name, err)
		}
		reg.Register(client)
	}
	return reg, nil
}

func envName(name string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, name)
}
