package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"live-bidding/internal/domain"
	"live-bidding/internal/services"
	"live-bidding/pkg/logger"

	"github.com/labstack/echo/v4"
)

type AuctionHandler struct {
	auctionManager *services.AuctionManager
	bidService     *services.BidService
	log            logger.Logger
}

type CreateAuctionRequest struct {
	Title         string    `json:"title"`
	StartingPrice float64   `json:"starting_price"`
	MinIncrement  float64   `json:"min_increment"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
}

type PlaceBidRequest struct {
	UserID string  `json:"user_id"`
	Amount float64 `json:"amount"`
}

type EndAuctionRequest struct {
	Reason string `json:"reason"`
}

type errorResponse struct {
	Error string                `json:"error"`
	Code  domain.ValidationCode `json:"code,omitempty"`
}

func NewAuctionHandler(auctionManager *services.AuctionManager, bidService *services.BidService, log logger.Logger) *AuctionHandler {
	return &AuctionHandler{
		auctionManager: auctionManager,
		bidService:     bidService,
		log:            log,
	}
}

func (h *AuctionHandler) Register(e *echo.Echo) {
	api := e.Group("/api/v1")
	api.POST("/auctions", h.CreateAuction)
	api.GET("/auctions", h.ListAuctions)
	api.GET("/auctions/:id", h.GetAuction)
	api.GET("/auctions/:id/bids", h.GetRecentBids)
	api.POST("/auctions/:id/bids", h.PlaceBid)
	api.POST("/auctions/:id/end", h.EndAuction)
	api.GET("/bids/:requestID", h.GetBidStatus)
}

func (h *AuctionHandler) CreateAuction(c echo.Context) error {
	var req CreateAuctionRequest
	if err := c.Bind(&req); err != nil {
		h.log.Error("Failed to bind request", "error", err)
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
	}

	auction, err := h.auctionManager.CreateAuction(c.Request().Context(), services.CreateAuctionInput{
		Title:         req.Title,
		StartingPrice: req.StartingPrice,
		MinIncrement:  req.MinIncrement,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
	})
	if err != nil {
		return h.fail(c, "create auction", err)
	}
	return c.JSON(http.StatusCreated, auction)
}

// ListAuctions serves GET /auctions?ids=a,b,c. Unknown ids are left out.
func (h *AuctionHandler) ListAuctions(c echo.Context) error {
	var ids []string
	for _, id := range strings.Split(c.QueryParam("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "ids query parameter required"})
	}

	auctions, err := h.auctionManager.GetAuctions(c.Request().Context(), ids)
	if err != nil {
		return h.fail(c, "list auctions", err)
	}
	if auctions == nil {
		auctions = []*domain.Auction{}
	}
	return c.JSON(http.StatusOK, auctions)
}

func (h *AuctionHandler) GetAuction(c echo.Context) error {
	auction, err := h.auctionManager.GetAuction(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, "get auction", err)
	}
	return c.JSON(http.StatusOK, auction)
}

func (h *AuctionHandler) GetRecentBids(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
		}
		limit = n
	}

	bids, err := h.auctionManager.GetRecentBids(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return h.fail(c, "get recent bids", err)
	}
	if bids == nil {
		bids = []*domain.Bid{}
	}
	return c.JSON(http.StatusOK, bids)
}

// PlaceBid queues a bid and answers 202 with the request id to poll.
func (h *AuctionHandler) PlaceBid(c echo.Context) error {
	var req PlaceBidRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
	}
	if req.UserID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "user_id required"})
	}

	receipt, err := h.bidService.PlaceBid(c.Request().Context(), c.Param("id"), req.UserID, req.Amount)
	if err != nil {
		return h.fail(c, "place bid", err)
	}
	return c.JSON(http.StatusAccepted, receipt)
}

func (h *AuctionHandler) GetBidStatus(c echo.Context) error {
	status, err := h.bidService.GetStatus(c.Request().Context(), c.Param("requestID"))
	if err != nil {
		return h.fail(c, "get bid status", err)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *AuctionHandler) EndAuction(c echo.Context) error {
	var req EndAuctionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
	}
	if req.Reason == "" {
		req.Reason = "ended by administrator"
	}

	auction, err := h.auctionManager.EndAuction(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return h.fail(c, "end auction", err)
	}
	return c.JSON(http.StatusOK, auction)
}

func (h *AuctionHandler) fail(c echo.Context, op string, err error) error {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		status := http.StatusUnprocessableEntity
		switch ve.Code {
		case domain.CodeAuctionNotFound:
			status = http.StatusNotFound
		case domain.CodeAuctionNotActive, domain.CodeAuctionEnded:
			status = http.StatusConflict
		}
		return c.JSON(status, errorResponse{Error: ve.Reason, Code: ve.Code})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: "auction not found"})
	case errors.Is(err, domain.ErrLockTimeout):
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "auction is busy, try again"})
	default:
		h.log.Error("Request failed", "op", op, "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
