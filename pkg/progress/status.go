package progress

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Status is the latest report of one channel
type Status struct {
	Channel string    `json:"channel"`
	Percent int       `json:"percent"`
	Detail  string    `json:"detail"`
	Updated time.Time `json:"updated"`
}

// Board keeps the latest report per channel and serves them over HTTP
type Board struct {
	mu     sync.RWMutex
	run    string
	latest map[string]Status
	now    func() time.Time
}

// NewBoard creates an empty board for the run with the given identifier
func NewBoard(run string) *Board {
	return &Board{run: run, latest: make(map[string]Status), now: time.Now}
}

// Report implements Sink
func (b *Board) Report(percent int, label, suffix string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest[label] = Status{Channel: label, Percent: Clamp(float64(percent)), Detail: suffix, Updated: b.now()}
}

// Snapshot returns the latest status of every channel, sorted by channel
func (b *Board) Snapshot() []Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Status, 0, len(b.latest))
	for _, s := range b.latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Handler returns the gin engine exposing the board:
//
//	GET /api/v1/ping      liveness
//	GET /api/v1/progress  latest report per channel
func (b *Board) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/v1/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})

	r.GET("/api/v1/progress", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"run":      b.run,
			"channels": b.Snapshot(),
		})
	})

	r.GET("/api/v1/progress/:channel", func(c *gin.Context) {
		b.mu.RLock()
		s, ok := b.latest[c.Param("channel")]
		b.mu.RUnlock()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown channel"})
			return
		}
		c.JSON(http.StatusOK, s)
	})

	return r
}

// Serve listens on addr until ctx is done
func (b *Board) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: b.Handler()}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("status server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
