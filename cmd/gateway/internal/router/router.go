package router

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/RogueTeam/ltcsweep/gateway"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Manages the HTTP API of the Gateway service
type Router struct {
	// Gateway controller
	Gateway *gateway.Controller
	// Base Gin Group to use for routing
	Base gin.IRoutes
	// Defaults to slog.Default()
	Logger *slog.Logger
}

const (
	IdParam            = "id"
	PaymentsPath       = "/payments"
	PaymentsPathWithId = PaymentsPath + "/:" + IdParam
	HealthPath         = "/healthz"
)

type Error struct {
	Error string `json:"error"`
}

func (r *Router) abort(ctx *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		r.Logger.Error("request failed", "path", ctx.FullPath(), "status", status, "err", err)
	}
	ctx.Error(err)
	ctx.AbortWithStatusJSON(status, Error{Error: err.Error()})
}

func (r *Router) createPayment(ctx *gin.Context) {
	var receive Receive
	err := ctx.ShouldBindJSON(&receive)
	if err != nil {
		r.abort(ctx, http.StatusBadRequest, err)
		return
	}

	gatewayReceive, err := ReceiveToGateway(&receive)
	if err != nil {
		r.abort(ctx, http.StatusBadRequest, err)
		return
	}

	payment, err := r.Gateway.Receive(ctx, &gatewayReceive)
	switch {
	case err == nil:
		out := PaymentFromGateway(&payment)
		ctx.JSON(http.StatusCreated, &out)
	case errors.Is(err, gateway.ErrInvalidAmount), errors.Is(err, gateway.ErrInvalidExpiration):
		r.abort(ctx, http.StatusBadRequest, err)
	default:
		r.abort(ctx, http.StatusInternalServerError, err)
	}
}

func (r *Router) paymentStatus(ctx *gin.Context) {
	rawId := ctx.Param(IdParam)
	id, err := uuid.Parse(rawId)
	if err != nil {
		r.abort(ctx, http.StatusBadRequest, err)
		return
	}

	status, err := r.Gateway.Query(ctx, id)
	switch {
	case err == nil:
		out := StatusFromGateway(&status)
		ctx.JSON(http.StatusOK, &out)
	case errors.Is(err, gateway.ErrPaymentNotFound):
		r.abort(ctx, http.StatusNotFound, err)
	case errors.Is(err, gateway.ErrBadGateway):
		r.abort(ctx, http.StatusBadGateway, err)
	default:
		r.abort(ctx, http.StatusInternalServerError, err)
	}
}

func (r *Router) health(ctx *gin.Context) {
	ctx.Status(http.StatusNoContent)
}

// Register routes in the Gin engine
func (r *Router) Register() {
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
	r.Base.POST(PaymentsPath, r.createPayment)
	r.Base.GET(PaymentsPathWithId, r.paymentStatus)
	r.Base.GET(HealthPath, r.health)
}
