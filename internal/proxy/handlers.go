package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"github.com/raine/city-vision-capture/internal/upload"
	"github.com/rs/zerolog/log"
)

// maxUploadSize bounds multipart uploads through the proxy.
const maxUploadSize = 20 << 20

// formMemory is how much of a forwarded form is held in memory before file
// parts spill to disk.
const formMemory = 8 << 20

// handleAnalyze forwards the analysis form as-is: every value and every file
// part, so clients may send an image file or just its URL.
func (s *Server) handleAnalyze(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)
	if err := c.Request.ParseMultipartForm(formMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid form data", "error": err.Error()})
		return
	}

	req := s.upstream.R().
		SetContext(c.Request.Context()).
		SetMultipartFormData(map[string]string{})
	for name, values := range c.Request.PostForm {
		for _, v := range values {
			req.FormData.Add(name, v)
		}
	}

	if form := c.Request.MultipartForm; form != nil {
		defer form.RemoveAll()
		for name, headers := range form.File {
			for _, fh := range headers {
				f, err := fh.Open()
				if err != nil {
					c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid form data", "error": err.Error()})
					return
				}
				defer f.Close()
				req.SetMultipartField(name, fh.Filename, fh.Header.Get("Content-Type"), f)
			}
		}
	}

	res, err := req.Post("/analyze")
	s.relay(c, res, err, "An error occurred while processing the analysis request")
}

func (s *Server) handleRelevance(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "failed to read request body"})
		return
	}

	res, err := s.upstream.R().
		SetContext(c.Request.Context()).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post("/relevance")
	s.relay(c, res, err, "An error occurred while processing the relevance feedback")
}

// relay copies the upstream response, or reports a transport failure as 500.
func (s *Server) relay(c *gin.Context, res *resty.Response, err error, failMsg string) {
	if err != nil {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("upstream request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"message": failMsg, "error": err.Error()})
		return
	}
	contentType := res.Header().Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(res.StatusCode(), contentType, res.Body())
}

func (s *Server) handleUpload(c *gin.Context) {
	if s.objects == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "S3 configuration missing"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing file"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read file"})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read file"})
		return
	}

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	stored, err := s.objects.Store(c.Request.Context(), upload.Object{
		Key:         upload.NewKey(extension(fh.Filename, contentType)),
		Name:        fh.Filename,
		ContentType: contentType,
		Data:        data,
	})
	if err != nil {
		log.Error().Err(err).Msg("proxy upload failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": stored.URL, "key": stored.Key})
}

type presignRequest struct {
	FileName      string `json:"fileName"`
	FileType      string `json:"fileType"`
	FileExtension string `json:"fileExtension"`
}

func (s *Server) handlePresign(c *gin.Context) {
	var req presignRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.FileName == "" || req.FileType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing fileName or fileType"})
		return
	}

	key := upload.NewKey(extension(req.FileName, req.FileType))
	url, err := s.presign(c, key, req.FileType)
	if err != nil {
		log.Error().Err(err).Msg("error generating pre-signed url")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate pre-signed URL"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "key": key})
}

func (s *Server) handlePresignS3(c *gin.Context) {
	if s.presigner == nil || s.bucket == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "S3 configuration missing"})
		return
	}

	var req presignRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.FileType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Missing fileType in request body"})
		return
	}

	ext := req.FileExtension
	if ext == "" {
		ext = req.FileType[strings.LastIndex(req.FileType, "/")+1:]
	}
	key := upload.NewKey(ext)
	url, err := s.presign(c, key, req.FileType)
	if err != nil {
		log.Error().Err(err).Msg("error generating S3 presigned url")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"url":       url,
		"key":       key,
		"uploadUrl": url,
		"fileUrl":   fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.bucket, key),
	})
}

func (s *Server) presign(c *gin.Context, key, contentType string) (string, error) {
	if s.presigner == nil || s.bucket == "" {
		return "", fmt.Errorf("s3 is not configured")
	}
	req, err := s.presigner.PresignPutObject(c.Request.Context(), &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPublicRead,
	}, s3.WithPresignExpires(PresignExpiry))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// extension picks a file extension from name, falling back to the MIME
// subtype.
func extension(name, contentType string) string {
	if ext := strings.TrimPrefix(path.Ext(name), "."); ext != "" {
		return ext
	}
	if i := strings.LastIndex(contentType, "/"); i >= 0 && i < len(contentType)-1 {
		sub := contentType[i+1:]
		if j := strings.IndexByte(sub, ';'); j >= 0 {
			sub = sub[:j]
		}
		if sub == "jpeg" {
			return "jpg"
		}
		return sub
	}
	return "jpg"
}
