package proxy

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"github.com/raine/city-vision-capture/internal/upload"
	"github.com/rs/zerolog/log"
)

// PresignExpiry is how long pre-signed upload URLs stay valid.
const PresignExpiry = 5 * time.Minute

// Presigner signs PutObject requests.
type Presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Options configures a Server.
type Options struct {
	// VisionURL is the upstream analysis service.
	VisionURL      string
	Bucket         string
	Region         string
	AllowedOrigins []string
	Objects        upload.S3API
	Presigner      Presigner
}

// Server is the same-origin proxy for clients that can't call the analysis
// service or the bucket directly.
type Server struct {
	upstream  *resty.Client
	objects   *upload.S3Backend
	presigner Presigner
	bucket    string
	region    string
	origins   []string
}

// New creates a proxy server.
func New(opts Options) *Server {
	s := &Server{
		upstream: resty.New().
			SetDebug(false).
			SetBaseURL(strings.TrimSuffix(opts.VisionURL, "/")).
			SetTimeout(2 * time.Minute),
		presigner: opts.Presigner,
		bucket:    opts.Bucket,
		region:    opts.Region,
		origins:   opts.AllowedOrigins,
	}
	if opts.Objects != nil && opts.Bucket != "" {
		s.objects = upload.NewS3Backend(opts.Objects, opts.Bucket, opts.Region)
	}
	return s
}

// NewFromAWS creates a server with S3 clients built from the default AWS
// credential chain.
func NewFromAWS(ctx context.Context, opts Options) (*Server, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(opts.Region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg)
	opts.Objects = client
	opts.Presigner = s3.NewPresignClient(client)
	return New(opts), nil
}

// Handler builds the gin engine with all routes.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(s.origins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.origins
		corsConfig.AllowCredentials = true
	}
	router.Use(cors.New(corsConfig))

	api := router.Group("/api")

	vision := api.Group("/vision")
	vision.POST("/analyze", s.handleAnalyze)
	vision.POST("/relevance", s.handleRelevance)

	uploads := api.Group("/upload")
	uploads.POST("", s.handleUpload)
	uploads.POST("/presign", s.handlePresign)
	uploads.POST("/s3", s.handlePresignS3)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	errs := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("proxy listening")
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info().Msg("shutting down proxy")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errs
		return ctx.Err()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("proxy request")
	}
}
