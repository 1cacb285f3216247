package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/protobuf/proto"
)

// DecodeFeed parses a GTFS-realtime protobuf payload.
func DecodeFeed(data []byte) (*gtfsrtpb.FeedMessage, error) {
	var fm gtfsrtpb.FeedMessage
	if err := proto.Unmarshal(data, &fm); err != nil {
		return nil, fmt.Errorf("failed to decode GTFS-RT feed: %w", err)
	}
	return &fm, nil
}

// RealtimeClient fetches GTFS-realtime feeds over HTTP.
type RealtimeClient struct {
	httpClient *http.Client
}

// NewRealtimeClient creates a client with a per-request timeout.
func NewRealtimeClient(timeout time.Duration) *RealtimeClient {
	return &RealtimeClient{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Fetch downloads and decodes one feed. An empty url yields (nil, nil).
func (c *RealtimeClient) Fetch(ctx context.Context, url string) (*gtfsrtpb.FeedMessage, error) {
	if url == "" {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", url, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	return DecodeFeed(data)
}
