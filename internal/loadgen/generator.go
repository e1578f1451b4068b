package loadgen

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linkguard/guardian/internal/messaging"
	"github.com/linkguard/guardian/internal/protocol"
)

// Publisher is the part of the NATS client the generator needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// DefaultURLs is a mix of benign and phishing-shaped links.
var DefaultURLs = []string{
	"https://github.com/golang/go",
	"https://www.wikipedia.org/wiki/Phishing",
	"https://docs.google.com/document/d/abc",
	"http://paypa1-secure-login.tk/verify",
	"http://192.168.4.20/account/update",
	"https://bit.ly/3xYzAbC",
	"http://login-microsoftonline.support-verify.xyz/",
	"https://free-nitro-gift.gq/claim?user=1",
}

// Options control a generator run.
type Options struct {
	// Communities and Users bound the synthetic population.
	Communities int
	Users       int
	// Rate is messages per second across all workers.
	Rate float64
	// Workers publish concurrently.
	Workers int
	// Duration stops the run; zero means run until ctx ends.
	Duration time.Duration
	// LinkRatio is the share of messages that carry a link.
	LinkRatio float64
	URLs      []string
	Seed      int64
}

func (o *Options) defaults() {
	if o.Communities <= 0 {
		o.Communities = 1
	}
	if o.Users <= 0 {
		o.Users = 50
	}
	if o.Rate <= 0 {
		o.Rate = 10
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.LinkRatio < 0 || o.LinkRatio > 1 {
		o.LinkRatio = 0.5
	}
	if len(o.URLs) == 0 {
		o.URLs = DefaultURLs
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}
}

// Generator builds synthetic message_created events.
type Generator struct {
	opts Options

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator returns a generator with defaults applied to opts.
func NewGenerator(opts Options) *Generator {
	opts.defaults()
	return &Generator{opts: opts, rng: rand.New(rand.NewSource(opts.Seed))}
}

// Next returns the next synthetic event.
func (g *Generator) Next() protocol.MessageCreatedMsg {
	g.mu.Lock()
	community := g.rng.Intn(g.opts.Communities)
	user := g.rng.Intn(g.opts.Users)
	withLink := g.rng.Float64() < g.opts.LinkRatio
	link := g.opts.URLs[g.rng.Intn(len(g.opts.URLs))]
	g.mu.Unlock()

	content := "hello from the load generator"
	if withLink {
		content = "check this out " + link
	}
	return protocol.MessageCreatedMsg{
		ID:          uuid.NewString(),
		CommunityID: fmt.Sprintf("load-community-%d", community),
		ChannelID:   fmt.Sprintf("load-channel-%d", community),
		AuthorID:    fmt.Sprintf("load-user-%d", user),
		AuthorName:  fmt.Sprintf("loaduser%d", user),
		Content:     content,
		Ts:          time.Now().UnixMilli(),
	}
}

// Run publishes events at the configured rate until the duration elapses or
// ctx is cancelled. Results go to c.
func (g *Generator) Run(ctx context.Context, pub Publisher, c *Collector) {
	if g.opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.Duration)
		defer cancel()
	}

	interval := time.Duration(float64(time.Second) / g.opts.Rate)
	if interval <= 0 {
		interval = time.Microsecond
	}

	jobs := make(chan struct{}, g.opts.Workers)
	var wg sync.WaitGroup
	for i := 0; i < g.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				g.publishOne(pub, c)
			}
		}()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			select {
			case jobs <- struct{}{}:
			default:
				// Workers are saturated; drop the tick.
				c.AddError()
			}
		}
	}
	close(jobs)
	wg.Wait()
}

func (g *Generator) publishOne(pub Publisher, c *Collector) {
	data, err := protocol.NewMessage(protocol.TypeMessageCreated, g.Next())
	if err != nil {
		c.AddError()
		return
	}
	start := time.Now()
	if err := pub.Publish(messaging.SubjectMessageCreated, data); err != nil {
		c.AddError()
		return
	}
	c.AddPublish(time.Since(start))
}
