// Package preview serves the in-progress output image and run
// statistics over HTTP while a transfer runs.
package preview

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/danmuck/stylectl/internal/imageio"
	"github.com/danmuck/stylectl/internal/observability"
	"github.com/danmuck/stylectl/internal/style"
	"github.com/danmuck/stylectl/internal/tensor"
)

type Server struct {
	addr    string
	log     zerolog.Logger
	router  *gin.Engine
	srv     *http.Server
	started time.Time

	mu    sync.RWMutex
	img   []byte
	stats style.Stats
}

func New(addr string, corsOrigins []string, log zerolog.Logger) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		addr:    addr,
		log:     log,
		router:  r,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexPage))
	})

	s.router.GET("/out.png", func(c *gin.Context) {
		s.mu.RLock()
		img := s.img
		s.mu.RUnlock()
		if img == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no output yet"})
			return
		}
		c.Data(http.StatusOK, "image/png", img)
	})

	s.router.GET("/stats", func(c *gin.Context) {
		s.mu.RLock()
		stats := s.stats
		s.mu.RUnlock()
		c.JSON(http.StatusOK, gin.H{
			"scale":       stats.Scale,
			"step":        stats.Step,
			"total_steps": stats.TotalSteps,
			"width":       stats.Width,
			"height":      stats.Height,
			"loss":        stats.Loss,
			"update_size": stats.UpdateSize,
			"tv_loss":     stats.TVLoss,
		})
	})

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": "stylectl",
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// UpdateImage stores the latest output as PNG for serving.
func (s *Server) UpdateImage(img *tensor.Tensor) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, imageio.ToImage(img)); err != nil {
		s.log.Warn().Err(err).Msg("preview encode failed")
		return
	}
	s.mu.Lock()
	s.img = buf.Bytes()
	s.mu.Unlock()
}

// UpdateStats stores the latest iteration statistics.
func (s *Server) UpdateStats(stats style.Stats) {
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	s.srv = &http.Server{Addr: s.addr, Handler: s.router}
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("preview server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("preview server failed")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSuffix(strings.TrimSpace(o), "/")
		if o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		out = []string{"http://localhost:3000"}
	}
	return out
}

const indexPage = `<!DOCTYPE html>
<html>
<head>
<title>stylectl</title>
<style>
body { font-family: sans-serif; background: #111; color: #ddd; text-align: center; }
img { max-width: 95vw; max-height: 80vh; image-rendering: auto; }
#stats { margin: 1em; color: #9a9; }
</style>
</head>
<body>
<h2>stylectl</h2>
<div id="stats">waiting for first iteration</div>
<img id="out" src="/out.png" onerror="this.style.display='none'">
<script>
async function tick() {
  try {
    const r = await fetch('/stats');
    const s = await r.json();
    if (s.step > 0) {
      document.getElementById('stats').textContent =
        'scale ' + s.scale + ' | step ' + s.step + '/' + s.total_steps +
        ' | ' + s.width + 'x' + s.height + ' | loss ' + s.loss.toExponential(3);
      const img = document.getElementById('out');
      img.style.display = '';
      img.src = '/out.png?t=' + Date.now();
    }
  } catch (e) {}
}
setInterval(tick, 2000);
tick();
</script>
</body>
</html>
`
