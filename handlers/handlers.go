package handlers

import (
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"road-defect-pipeline/apiclient"
	"road-defect-pipeline/config"
	"road-defect-pipeline/models"
	"road-defect-pipeline/service"
	"road-defect-pipeline/storage"
	ws "road-defect-pipeline/websocket"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxUploadSize = 20 << 20 // 20 MB

// Publisher is the queue surface the upload handler needs.
type Publisher interface {
	Publish(message interface{}) error
	IsConnected() bool
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	service   *service.Service
	publisher Publisher
	hub       *ws.Hub
	cfg       *config.Config

	upgrader websocket.Upgrader
}

// New creates the HTTP handler set.
func New(svc *service.Service, publisher Publisher, hub *ws.Hub, cfg *config.Config) *Handlers {
	return &Handlers{
		service:   svc,
		publisher: publisher,
		hub:       hub,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes wires all endpoints onto the router.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", h.WebSocket)

	router.POST("/upload/image", h.UploadImage)

	data := router.Group("/data")
	{
		data.GET("/processed_info", h.ListDefects)
		data.GET("/processed_info/type/:type", h.ListDefectsByType)
		data.GET("/processed_info/date/:year/:month", h.ListDefectsByMonth)
		data.GET("/processed_info/user/:user", h.ListDefectsByUser)
		data.GET("/point/:id", h.GetDefect)
		data.GET("/historical_data", h.HistoricalData)
		data.POST("/streets", h.StreetsInBBox)
		data.PUT("/update_data/:id", h.UpdateDefect)
		data.DELETE("/delete_data/:id", h.DeleteDefect)
		data.POST("/processed_image", h.ReceiveProcessedImage)
	}
}

// Health reports service liveness and broker connectivity.
func (h *Handlers) Health(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	if !h.publisher.IsConnected() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"service":   "road-defect-pipeline",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// UploadImage accepts a capture (multipart form) and enqueues it for the
// detection workers. A broker failure is surfaced to the caller; the report is
// never silently dropped.
func (h *Handlers) UploadImage(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing image file"})
		return
	}
	if file.Size > maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}

	lat, err := strconv.ParseFloat(c.PostForm("latitude"), 64)
	if err != nil || lat < -90 || lat > 90 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid latitude"})
		return
	}
	lon, err := strconv.ParseFloat(c.PostForm("longitude"), 64)
	if err != nil || lon < -180 || lon > 180 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid longitude"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable image file"})
		return
	}
	defer src.Close()
	imageBytes, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable image file"})
		return
	}

	date := c.PostForm("date")
	if date == "" {
		date = time.Now().UTC().Format(time.RFC3339)
	}
	modo := c.PostForm("modo")
	if modo == "" {
		modo = "auto"
	}

	msg := models.ReportMessage{
		ID:        uuid.New().String(),
		Image:     models.Latin1String(imageBytes),
		Latitude:  lat,
		Longitude: lon,
		Date:      date,
		Modo:      modo,
		User:      c.PostForm("user"),
	}

	if err := h.publisher.Publish(msg); err != nil {
		log.Printf("Failed to enqueue report %s: %v", msg.ID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "report could not be queued"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": msg.ID, "status": "queued"})
}

// GetDefect returns one defect record.
func (h *Handlers) GetDefect(c *gin.Context) {
	record, err := h.service.GetDefect(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "defect not found"})
			return
		}
		log.Printf("Failed to get defect %s: %v", c.Param("id"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get defect"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// ListDefects returns the whole inventory as a GeoJSON feature list.
func (h *Handlers) ListDefects(c *gin.Context) {
	records, err := h.service.ListDefects(c.Request.Context())
	if err != nil {
		log.Printf("Failed to list defects: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list defects"})
		return
	}
	c.JSON(http.StatusOK, featureCollection(records))
}

// ListDefectsByType returns records carrying the given type tag.
func (h *Handlers) ListDefectsByType(c *gin.Context) {
	records, err := h.service.ListDefectsByType(c.Request.Context(), c.Param("type"))
	if err != nil {
		log.Printf("Failed to list defects by type: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list defects"})
		return
	}
	c.JSON(http.StatusOK, featureCollection(records))
}

// ListDefectsByMonth returns records reported in a given calendar month.
func (h *Handlers) ListDefectsByMonth(c *gin.Context) {
	year, err := strconv.Atoi(c.Param("year"))
	if err != nil || year < 1970 || year > 9999 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid year"})
		return
	}
	month, err := strconv.Atoi(c.Param("month"))
	if err != nil || month < 1 || month > 12 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid month"})
		return
	}

	records, err := h.service.ListDefectsByMonth(c.Request.Context(), year, month)
	if err != nil {
		log.Printf("Failed to list defects by month: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list defects"})
		return
	}
	c.JSON(http.StatusOK, featureCollection(records))
}

// ListDefectsByUser returns records reported by a given user.
func (h *Handlers) ListDefectsByUser(c *gin.Context) {
	records, err := h.service.ListDefectsByUser(c.Request.Context(), c.Param("user"))
	if err != nil {
		log.Printf("Failed to list defects by user: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list defects"})
		return
	}
	c.JSON(http.StatusOK, featureCollection(records))
}

// HistoricalData returns the (year, month) rollup of the inventory.
func (h *Handlers) HistoricalData(c *gin.Context) {
	buckets, err := h.service.HistoricalRollup(c.Request.Context())
	if err != nil {
		log.Printf("Failed to compute historical rollup: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute rollup"})
		return
	}
	c.JSON(http.StatusOK, buckets)
}

type bboxRequest struct {
	SW []float64 `json:"sw" binding:"required"`
	NE []float64 `json:"ne" binding:"required"`
}

// StreetsInBBox returns street segments inside a bounding box (southwest and
// northeast corners, lon/lat order).
func (h *Handlers) StreetsInBBox(c *gin.Context) {
	var req bboxRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.SW) != 2 || len(req.NE) != 2 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected sw and ne [lon, lat] corners"})
		return
	}

	segments, err := h.service.StreetsInBBox(c.Request.Context(), req.SW, req.NE)
	if err != nil {
		log.Printf("Failed to query streets in bbox: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query streets"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": "FeatureCollection", "features": segments})
}

// UpdateDefect applies a partial curation payload to a record. Absent fields
// are left untouched; street counters follow the state transition.
func (h *Handlers) UpdateDefect(c *gin.Context) {
	var upd models.DefectUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid update payload"})
		return
	}
	if upd.Estado != nil && *upd.Estado != models.StateOpen && *upd.Estado != models.StateRepaired {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid estado"})
		return
	}

	record, err := h.service.UpdateDefect(c.Request.Context(), c.Param("id"), upd)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "defect not found"})
			return
		}
		log.Printf("Failed to update defect %s: %v", c.Param("id"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update defect"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// DeleteDefect removes a record and reverses its street contribution.
func (h *Handlers) DeleteDefect(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.DeleteDefect(c.Request.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "defect not found"})
			return
		}
		log.Printf("Failed to delete defect %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete defect"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "deleted"})
}

// ReceiveProcessedImage stores a processed image posted back by the pipeline
// when a report yielded no detection.
func (h *Handlers) ReceiveProcessedImage(c *gin.Context) {
	var payload apiclient.ProcessedImage
	if err := c.ShouldBindJSON(&payload); err != nil || payload.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid processed image payload"})
		return
	}

	imageBytes, err := models.Latin1Bytes(payload.Image)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image payload is not latin1-encoded"})
		return
	}

	if err := os.MkdirAll(h.cfg.ProcessedImagesDir, 0o755); err != nil {
		log.Printf("Failed to create processed images dir: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store image"})
		return
	}

	// filepath.Base strips any path components smuggled into the id.
	name := filepath.Base(payload.ID) + ".jpg"
	if err := os.WriteFile(filepath.Join(h.cfg.ProcessedImagesDir, name), imageBytes, 0o644); err != nil {
		log.Printf("Failed to write processed image %s: %v", name, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store image"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": payload.ID, "status": "stored"})
}

// WebSocket upgrades the connection and subscribes it to defect events.
func (h *Handlers) WebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade websocket: %v", err)
		return
	}

	client := ws.NewClient(h.hub, conn)
	h.hub.Register <- client
	go client.WritePump()
	go client.ReadPump()
}

func featureCollection(records []models.DefectRecord) gin.H {
	if records == nil {
		records = []models.DefectRecord{}
	}
	return gin.H{"type": "FeatureCollection", "features": records}
}
