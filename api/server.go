// Package api exposes request creation and status over HTTP. It is the
// server-side entry point merchants hit to create a payment request; the
// heavy lifting stays in the core service and indexer.
package api

import (
	"errors"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	requestpay "github.com/offblocks/requestpay/go"
)

// RequestView is the JSON shape of an indexed request.
type RequestView struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Status    string `json:"status"`
}

// createRequestBody is the POST /v1/requests payload.
type createRequestBody struct {
	ID        string `json:"id" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
}

// RequestSource reads full indexed requests, beyond the status-only view
// the creation service needs.
type RequestSource interface {
	Request(id requestpay.RequestID) (*requestpay.PaymentRequest, bool, error)
}

// Server wires the creation service and indexer into a gin router.
type Server struct {
	service  *requestpay.RequestService
	requests RequestSource
	logger   *slog.Logger
	engine   *gin.Engine
}

// NewServer creates the API server.
func NewServer(service *requestpay.RequestService, requests RequestSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		service:  service,
		requests: requests,
		logger:   logger,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	v1 := engine.Group("/v1")
	v1.POST("/requests", s.createRequest)
	v1.GET("/requests/:id", s.getRequest)

	s.engine = engine
	return s
}

// Router returns the underlying handler for mounting or serving.
func (s *Server) Router() http.Handler {
	return s.engine
}

func (s *Server) createRequest(c *gin.Context) {
	var body createRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if !common.IsHexAddress(body.Recipient) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "recipient is not a valid address"})
		return
	}

	amount, ok := new(big.Int).SetString(body.Amount, 10)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount is not a valid integer"})
		return
	}

	tx, err := s.service.CreateRequest(c.Request.Context(), body.ID, common.HexToAddress(body.Recipient), amount)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": tx.Hex()})
}

func (s *Server) getRequest(c *gin.Context) {
	id, err := requestpay.DecodeRequestID(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	req, found, err := s.requests.Request(id)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request index is unavailable, try again"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
		return
	}

	c.JSON(http.StatusOK, RequestView{
		ID:        req.ID.String(),
		Recipient: req.Recipient.Hex(),
		Amount:    req.Amount.String(),
		Status:    req.Status.String(),
	})
}

// writeError maps core error codes onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	var pe *requestpay.PaymentError
	if !errors.As(err, &pe) {
		s.logger.Error("request handling failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch pe.Code {
	case requestpay.ErrCodeAlreadyExists:
		status = http.StatusConflict
	case requestpay.ErrCodeInvalidRequestID, requestpay.ErrCodeInvalidAmount:
		status = http.StatusBadRequest
	case requestpay.ErrCodeIndexerStale:
		status = http.StatusServiceUnavailable
	case requestpay.ErrCodeSubmissionFailed:
		status = http.StatusBadGateway
	}

	c.JSON(status, gin.H{"error": pe.Message, "code": pe.Code})
}
