package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/registration-ledger/pkg/config"
	"github.com/angelmondragon/registration-ledger/pkg/logger"
)

var (
	ErrProjectRequired = errors.New("gcp project id is required")
	ErrTopicRequired   = errors.New("pubsub topic is required")
	ErrTopicMissing    = errors.New("pubsub topic does not exist")
)

// Client owns the Pub/Sub connection and the publishers handed out from it.
type Client struct {
	ps      *pubsub.Client
	project string
	topic   string

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger) (*Client, error) {
	project := strings.TrimSpace(gcp.ProjectID)
	if project == "" {
		return nil, ErrProjectRequired
	}

	ps, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	c := &Client{
		ps:         ps,
		project:    project,
		topic:      strings.TrimSpace(cfg.NotificationTopic),
		publishers: make(map[string]*pubsub.Publisher),
	}
	if err := c.checkTopic(ctx, c.topic); err != nil {
		_ = ps.Close()
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"topic":   c.topicPath(c.topic),
			"project": project,
		}), "pubsub.connected")
	}
	return c, nil
}

// topicPath expands a bare topic id into its resource name. Fully qualified
// names pass through untouched.
func (c *Client) topicPath(topic string) string {
	topic = strings.TrimSpace(topic)
	if topic == "" || c == nil {
		return ""
	}
	if strings.HasPrefix(topic, "projects/") && strings.Contains(topic, "/topics/") {
		return topic
	}
	if c.project == "" {
		return ""
	}
	return "projects/" + c.project + "/topics/" + topic
}

func (c *Client) checkTopic(ctx context.Context, topic string) error {
	path := c.topicPath(topic)
	if path == "" {
		return ErrTopicRequired
	}
	_, err := c.ps.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: path})
	switch {
	case err == nil:
		return nil
	case status.Code(err) == codes.NotFound:
		return fmt.Errorf("%w: %s", ErrTopicMissing, path)
	default:
		return fmt.Errorf("get topic %s: %w", path, err)
	}
}

// Publisher returns a cached publisher for topic with message ordering on,
// so events for one registration are delivered in the order they were written.
func (c *Client) Publisher(topic string) *pubsub.Publisher {
	if c == nil || c.ps == nil {
		return nil
	}
	path := c.topicPath(topic)
	if path == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.publishers[path]; ok {
		return p
	}
	p := c.ps.Publisher(path)
	p.EnableMessageOrdering = true
	p.PublishSettings.DelayThreshold = 50 * time.Millisecond
	p.PublishSettings.CountThreshold = 100
	c.publishers[path] = p
	return p
}

// NotificationPublisher is the publisher for the configured notification topic.
func (c *Client) NotificationPublisher() *pubsub.Publisher {
	if c == nil {
		return nil
	}
	return c.Publisher(c.topic)
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.ps == nil {
		return errors.New("pubsub client not initialized")
	}
	return c.checkTopic(ctx, c.topic)
}

// Close flushes outstanding publishes before releasing the connection.
func (c *Client) Close() error {
	if c == nil || c.ps == nil {
		return nil
	}
	c.mu.Lock()
	for path, p := range c.publishers {
		p.Stop()
		delete(c.publishers, path)
	}
	c.mu.Unlock()
	return c.ps.Close()
}
