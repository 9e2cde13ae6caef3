package main

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/raine/city-vision-capture/internal/config"
	"github.com/raine/city-vision-capture/internal/proxy"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var proxyListen string

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Serve the same-origin proxy for browser clients",
	Long: `Serves /api/vision/analyze, /api/vision/relevance and the /api/upload
routes. Constrained clients send service calls here to avoid cross-origin
failures; uploads are stored in or presigned for the configured S3 bucket.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(config.CommandProxy); err != nil {
			return err
		}
		if proxyListen != "" {
			cfg.ProxyListenAddr = proxyListen
		}
		return serveProxy(cmd.Context())
	},
}

func init() {
	proxyCmd.Flags().StringVar(&proxyListen, "listen", "", "listen address (default from PROXY_LISTEN_ADDR)")
}

func serveProxy(ctx context.Context) error {
	if !verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	srv, err := proxy.NewFromAWS(ctx, proxy.Options{
		VisionURL:      cfg.VisionAPIURL,
		Bucket:         cfg.S3BucketName,
		Region:         cfg.AWSRegion,
		AllowedOrigins: cfg.ProxyAllowedOrigins,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("addr", cfg.ProxyListenAddr).
		Str("visionURL", cfg.VisionAPIURL).
		Str("bucket", cfg.S3BucketName).
		Msg("starting proxy")
	return srv.Run(ctx, cfg.ProxyListenAddr)
}
