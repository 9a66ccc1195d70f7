package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gcottom/go-zaplog"
	"github.com/gin-gonic/gin"
	"github.com/oldfish/oldfish-dl/internal/services/downloader"
	"github.com/oldfish/oldfish-dl/internal/services/events"
	"github.com/oldfish/oldfish-dl/internal/services/meta"
	"go.uber.org/zap"
)

// MediaResolver answers the lookups the UI makes before starting a download.
type MediaResolver interface {
	ResolveMediaInfo(ctx context.Context, url string) (*meta.MediaInfo, error)
	ResolvePlaylist(ctx context.Context, url string) (*meta.PlaylistInfo, error)
}

type Handlers struct {
	Downloader *downloader.Service
	Meta       MediaResolver
	Events     *events.Bus
}

func SetupRoutes(router *gin.Engine, downloaderService *downloader.Service, resolver MediaResolver, bus *events.Bus) {
	handler := &Handlers{Downloader: downloaderService, Meta: resolver, Events: bus}
	router.GET("/info", handler.GetInfo)
	router.GET("/playlist", handler.GetPlaylist)
	router.GET("/download", handler.StartDownload)
	router.GET("/confirm", handler.ConfirmRedownload)
	router.POST("/batch", handler.StartBatch)
	router.GET("/cancel", handler.CancelDownload)
	router.GET("/status", handler.GetStatus)
	router.GET("/events", handler.GetEvents)
}

func (h *Handlers) GetInfo(ctx *gin.Context) {
	url := ctx.Query("url")
	if url == "" {
		zaplog.WarnC(ctx, "get info request without url present: url is required")
		ResponseFailure(ctx, errors.New("get info request without url present: url is required"))
		return
	}
	zaplog.InfoC(ctx, "get info request received", zap.String("url", url))
	info, err := h.Meta.ResolveMediaInfo(ctx, url)
	if err != nil {
		zaplog.ErrorC(ctx, "error resolving media info", zap.Error(err))
		ResponseInternalError(ctx, err)
		return
	}
	ResponseSuccess(ctx, info)
}

func (h *Handlers) GetPlaylist(ctx *gin.Context) {
	url := ctx.Query("url")
	if url == "" {
		zaplog.WarnC(ctx, "get playlist request without url present: url is required")
		ResponseFailure(ctx, errors.New("get playlist request without url present: url is required"))
		return
	}
	zaplog.InfoC(ctx, "get playlist request received", zap.String("url", url))
	playlist, err := h.Meta.ResolvePlaylist(ctx, url)
	if err != nil {
		zaplog.ErrorC(ctx, "error resolving playlist", zap.Error(err))
		ResponseInternalError(ctx, err)
		return
	}
	ResponseSuccess(ctx, playlist)
}

func (h *Handlers) StartDownload(ctx *gin.Context) {
	id, err := taskID(ctx)
	if err != nil {
		zaplog.WarnC(ctx, "start download request with invalid id", zap.Error(err))
		ResponseFailure(ctx, err)
		return
	}
	url := ctx.Query("url")
	if url == "" {
		zaplog.WarnC(ctx, "start download request without url present: url is required")
		ResponseFailure(ctx, errors.New("start download request without url present: url is required"))
		return
	}
	zaplog.InfoC(ctx, "start download request received", zap.Int("id", id), zap.String("url", url))
	res := h.Downloader.StartDownload(ctx, downloader.Request{
		TaskID:  id,
		URL:     url,
		Quality: ctx.Query("quality"),
		Format:  ctx.Query("format"),
	})
	zaplog.InfoC(ctx, "start download request handled", zap.Int("id", id), zap.String("state", string(res.State)))
	ResponseSuccess(ctx, res)
}

func (h *Handlers) ConfirmRedownload(ctx *gin.Context) {
	id, err := taskID(ctx)
	if err != nil {
		zaplog.WarnC(ctx, "confirm request with invalid id", zap.Error(err))
		ResponseFailure(ctx, err)
		return
	}
	overwrite, err := strconv.ParseBool(ctx.DefaultQuery("overwrite", "false"))
	if err != nil {
		zaplog.WarnC(ctx, "confirm request with invalid overwrite flag", zap.Error(err))
		ResponseFailure(ctx, fmt.Errorf("invalid overwrite flag: %w", err))
		return
	}
	zaplog.InfoC(ctx, "confirm redownload request received", zap.Int("id", id), zap.Bool("overwrite", overwrite))
	res, err := h.Downloader.ConfirmRedownload(ctx, id, overwrite)
	if err != nil {
		zaplog.ErrorC(ctx, "error confirming redownload", zap.Int("id", id), zap.Error(err))
		if errors.Is(err, downloader.ErrNoPendingConfirm) {
			ResponseNotFound(ctx, err)
			return
		}
		ResponseInternalError(ctx, err)
		return
	}
	ResponseSuccess(ctx, res)
}

func (h *Handlers) StartBatch(ctx *gin.Context) {
	var items []downloader.BatchItem
	if err := ctx.ShouldBindJSON(&items); err != nil {
		zaplog.WarnC(ctx, "batch request with invalid body", zap.Error(err))
		ResponseFailure(ctx, fmt.Errorf("batch body must be a json array: %w", err))
		return
	}
	zaplog.InfoC(ctx, "batch download request received", zap.Int("items", len(items)))
	ResponseSuccess(ctx, h.Downloader.StartBatch(ctx, items))
}

func (h *Handlers) CancelDownload(ctx *gin.Context) {
	id, err := taskID(ctx)
	if err != nil {
		zaplog.WarnC(ctx, "cancel request with invalid id", zap.Error(err))
		ResponseFailure(ctx, err)
		return
	}
	zaplog.InfoC(ctx, "cancel request received", zap.Int("id", id))
	if err = h.Downloader.CancelDownload(ctx, id); err != nil {
		if errors.Is(err, downloader.ErrTaskNotFound) {
			ResponseNotFound(ctx, err)
			return
		}
		ResponseFailure(ctx, err)
		return
	}
	ResponseSuccess(ctx, CancelResponse{ID: id, State: downloader.StatusCancelled})
}

// GetStatus returns one registry entry, or every tracked task when no id is given.
func (h *Handlers) GetStatus(ctx *gin.Context) {
	if ctx.Query("id") == "" {
		ResponseSuccess(ctx, h.Downloader.ListTasks())
		return
	}
	id, err := taskID(ctx)
	if err != nil {
		zaplog.WarnC(ctx, "get status request with invalid id", zap.Error(err))
		ResponseFailure(ctx, err)
		return
	}
	entry, err := h.Downloader.GetTask(id)
	if err != nil {
		zaplog.WarnC(ctx, "status not available", zap.Int("id", id), zap.Error(err))
		ResponseNotFound(ctx, err)
		return
	}
	ResponseSuccess(ctx, entry)
}

func (h *Handlers) GetEvents(ctx *gin.Context) {
	since, err := strconv.ParseInt(ctx.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		ResponseFailure(ctx, fmt.Errorf("invalid since: %w", err))
		return
	}
	ResponseSuccess(ctx, EventsResponse{LastSeq: h.Events.LastSeq(), Events: h.Events.Since(since)})
}

func taskID(ctx *gin.Context) (int, error) {
	raw := ctx.Query("id")
	if raw == "" {
		return 0, errors.New("id is required")
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("id must be an integer: %w", err)
	}
	return id, nil
}
