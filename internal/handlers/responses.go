package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/oldfish/oldfish-dl/internal/services/events"
)

type Failure struct {
	Error string `json:"error"`
}

type CancelResponse struct {
	ID    int    `json:"id"`
	State string `json:"state"`
}

type EventsResponse struct {
	LastSeq int64          `json:"last_seq"`
	Events  []events.Event `json:"events"`
}

func ResponseFailure(ctx *gin.Context, err error) {
	_ = ctx.Error(err)
	ctx.AbortWithStatusJSON(http.StatusBadRequest, Failure{Error: err.Error()})
}

func ResponseNotFound(ctx *gin.Context, err error) {
	_ = ctx.Error(err)
	ctx.AbortWithStatusJSON(http.StatusNotFound, Failure{Error: err.Error()})
}

func ResponseInternalError(ctx *gin.Context, err error) {
	_ = ctx.Error(err)
	ctx.AbortWithStatusJSON(http.StatusInternalServerError, Failure{Error: err.Error()})
}

func ResponseSuccess(ctx *gin.Context, data any) {
	ctx.JSON(http.StatusOK, data)
}
