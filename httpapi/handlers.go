package httpapi

import (
	"math/big"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"

	lottery "github.com/kydenul/raffle"
)

// Handler serves one raffle and the oracle simulator it draws from.
type Handler struct {
	raffle  *lottery.Raffle
	oracle  *lottery.OracleSimulator
	breaker *lottery.BreakerOracle
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithBreaker exposes the breaker the raffle requests randomness through.
func WithBreaker(b *lottery.BreakerOracle) HandlerOption {
	return func(h *Handler) { h.breaker = b }
}

// NewHandler creates a new Handler.
func NewHandler(raffle *lottery.Raffle, oracle *lottery.OracleSimulator, opts ...HandlerOption) *Handler {
	h := &Handler{raffle: raffle, oracle: oracle}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewRouter returns a gin engine with every route registered.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all the application routes.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	raffle := router.Group("/raffle")
	raffle.GET("", h.GetRaffle)
	raffle.GET("/players/:index", h.GetPlayer)
	raffle.POST("/enter", h.Enter)
	raffle.GET("/upkeep", h.CheckUpkeep)
	raffle.POST("/upkeep", h.PerformUpkeep)
	raffle.GET("/unpaid/:address", h.GetUnpaid)
	raffle.POST("/unpaid/:address/retry", h.RetryPayout)
	raffle.GET("/metrics", h.GetMetrics)

	oracle := router.Group("/oracle")
	oracle.POST("/subscriptions", h.CreateSubscription)
	oracle.GET("/subscriptions/:id", h.GetSubscription)
	oracle.POST("/subscriptions/:id/fund", h.FundSubscription)
	oracle.POST("/subscriptions/:id/consumers", h.AddConsumer)
	oracle.POST("/requests/:id/fulfill", h.Fulfill)
	oracle.POST("/availability", h.SetAvailability)
	if h.breaker != nil {
		oracle.GET("/breaker", h.GetBreaker)
		oracle.POST("/breaker/reset", h.ResetBreaker)
	}
}

type raffleView struct {
	Address          string `json:"address"`
	EntranceFee      uint64 `json:"entranceFee"`
	Interval         string `json:"interval"`
	State            string `json:"state"`
	Players          int    `json:"players"`
	RecentWinner     string `json:"recentWinner"`
	LastTimestamp    int64  `json:"lastTimestamp"`
	Balance          uint64 `json:"balance"`
	PendingRequestID uint64 `json:"pendingRequestId"`
	SubscriptionID   uint64 `json:"subscriptionId"`
}

// GetRaffle returns a summary of the current round.
func (h *Handler) GetRaffle(c *gin.Context) {
	r := h.raffle
	c.JSON(http.StatusOK, raffleView{
		Address:          r.Address().String(),
		EntranceFee:      r.EntranceFee(),
		Interval:         r.Interval().String(),
		State:            r.State().String(),
		Players:          r.NumberOfPlayers(),
		RecentWinner:     r.RecentWinner().String(),
		LastTimestamp:    r.LatestTimestamp().Unix(),
		Balance:          r.Balance(),
		PendingRequestID: r.PendingRequestID(),
		SubscriptionID:   r.SubscriptionID(),
	})
}

// GetPlayer returns the player at :index.
func (h *Handler) GetPlayer(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		abortWithError(c, lottery.ErrInvalidParameters.WithDetails("index must be an integer"))
		return
	}

	player, err := h.raffle.Player(index)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"index": index, "player": player})
}

type enterRequest struct {
	Player string `json:"player" binding:"required"`
	Amount uint64 `json:"amount"`
}

// Enter adds a player to the current round.
func (h *Handler) Enter(c *gin.Context) {
	var req enterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, lottery.ErrInvalidParameters.WithCause(err))
		return
	}

	if err := h.raffle.Enter(c.Request.Context(), lottery.Address(req.Player), req.Amount); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"players": h.raffle.NumberOfPlayers()})
}

// CheckUpkeep reports whether a draw can be triggered.
func (h *Handler) CheckUpkeep(c *gin.Context) {
	needed, _ := h.raffle.CheckUpkeep(c.Request.Context(), nil)
	c.JSON(http.StatusOK, gin.H{"upkeepNeeded": needed})
}

// PerformUpkeep triggers a draw.
func (h *Handler) PerformUpkeep(c *gin.Context) {
	requestID, err := h.raffle.TriggerDraw(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requestId": requestID})
}

// GetUnpaid returns winnings that could not be delivered to :address.
func (h *Handler) GetUnpaid(c *gin.Context) {
	addr := lottery.Address(c.Param("address"))
	c.JSON(http.StatusOK, gin.H{"address": addr, "amount": h.raffle.UnpaidWinnings(addr)})
}

// RetryPayout re-sends unpaid winnings to :address.
func (h *Handler) RetryPayout(c *gin.Context) {
	addr := lottery.Address(c.Param("address"))
	if err := h.raffle.RetryPayout(c.Request.Context(), addr); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "paid": true})
}

// GetMetrics returns the raffle metrics.
func (h *Handler) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.raffle.GetMetrics())
}

// CreateSubscription allocates a new oracle subscription.
func (h *Handler) CreateSubscription(c *gin.Context) {
	subID, err := h.oracle.CreateSubscription(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscriptionId": subID})
}

// GetSubscription returns the subscription :id.
func (h *Handler) GetSubscription(c *gin.Context) {
	subID, ok := parseID(c)
	if !ok {
		return
	}

	sub, err := h.oracle.GetSubscription(c.Request.Context(), subID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

type fundRequest struct {
	Amount uint64 `json:"amount" binding:"required"`
}

// FundSubscription adds funds to the subscription :id.
func (h *Handler) FundSubscription(c *gin.Context) {
	subID, ok := parseID(c)
	if !ok {
		return
	}
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, lottery.ErrInvalidParameters.WithCause(err))
		return
	}

	if err := h.oracle.FundSubscription(c.Request.Context(), subID, req.Amount); err != nil {
		abortWithError(c, err)
		return
	}
	h.GetSubscription(c)
}

type consumerRequest struct {
	Consumer string `json:"consumer" binding:"required"`
}

// AddConsumer authorizes a consumer on the subscription :id.
func (h *Handler) AddConsumer(c *gin.Context) {
	subID, ok := parseID(c)
	if !ok {
		return
	}
	var req consumerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, lottery.ErrInvalidParameters.WithCause(err))
		return
	}

	if err := h.oracle.AddConsumer(c.Request.Context(), subID, lottery.Address(req.Consumer)); err != nil {
		abortWithError(c, err)
		return
	}
	h.GetSubscription(c)
}

type fulfillRequest struct {
	// Words are decimal strings; when empty the oracle generates them.
	Words []string `json:"words"`
}

// Fulfill delivers randomness for request :id to the served raffle.
func (h *Handler) Fulfill(c *gin.Context) {
	requestID, ok := parseID(c)
	if !ok {
		return
	}

	var req fulfillRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, lottery.ErrInvalidParameters.WithCause(err))
			return
		}
	}

	ctx := c.Request.Context()
	var err error
	if len(req.Words) == 0 {
		err = h.oracle.FulfillRandomWords(ctx, requestID, h.raffle)
	} else {
		words := make([]*big.Int, len(req.Words))
		for i, s := range req.Words {
			w, ok := new(big.Int).SetString(s, 10)
			if !ok || w.Sign() < 0 {
				abortWithError(c, lottery.ErrInvalidRandomWords.WithDetails("words must be unsigned decimal integers"))
				return
			}
			words[i] = w
		}
		err = h.oracle.FulfillRandomWordsWithOverride(ctx, requestID, h.raffle, words)
	}
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"requestId": requestID, "recentWinner": h.raffle.RecentWinner()})
}

type availabilityRequest struct {
	Available *bool `json:"available" binding:"required"`
}

// SetAvailability starts or ends a simulated oracle outage.
func (h *Handler) SetAvailability(c *gin.Context) {
	var req availabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, lottery.ErrInvalidParameters.WithCause(err))
		return
	}

	h.oracle.SetAvailable(*req.Available)
	logger.Infof("Oracle availability set to %t", *req.Available)
	c.JSON(http.StatusOK, gin.H{"available": h.oracle.Available()})
}

// GetBreaker returns the state of the oracle circuit breaker.
func (h *Handler) GetBreaker(c *gin.Context) {
	c.JSON(http.StatusOK, h.breaker.Stats())
}

// ResetBreaker closes the oracle circuit breaker and clears its counts.
func (h *Handler) ResetBreaker(c *gin.Context) {
	h.breaker.ResetCircuitBreaker()
	c.JSON(http.StatusOK, h.breaker.Stats())
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		abortWithError(c, lottery.ErrInvalidParameters.WithDetails("id must be an unsigned integer"))
		return 0, false
	}
	return id, true
}

// abortWithError writes err as JSON with a status derived from its code.
func abortWithError(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	} else {
		logger.Infof("%s %s rejected: %v", c.Request.Method, c.FullPath(), err)
	}
	c.AbortWithStatusJSON(status, gin.H{
		"code":  lottery.CodeOf(err),
		"error": err.Error(),
	})
}

// StatusFor maps an error to an HTTP status.
func StatusFor(err error) int {
	switch lottery.CodeOf(err) {
	case lottery.ErrCodeInvalidParameters, lottery.ErrCodeInvalidNumWords,
		lottery.ErrCodeInsufficientFee, lottery.ErrCodeInvalidRandomWords:
		return http.StatusBadRequest
	case lottery.ErrCodeNotOpen, lottery.ErrCodeUpkeepNotNeeded,
		lottery.ErrCodeInsufficientFunds, lottery.ErrCodePendingRequestExists:
		return http.StatusConflict
	case lottery.ErrCodeUnauthorized:
		return http.StatusForbidden
	case lottery.ErrCodeIndexOutOfRange, lottery.ErrCodeUnknownSubscription,
		lottery.ErrCodeUnknownRequest, lottery.ErrCodeNonexistentRequest,
		lottery.ErrCodeInvalidConsumer, lottery.ErrCodeNothingToPayOut:
		return http.StatusNotFound
	case lottery.ErrCodeTransferFailed:
		return http.StatusBadGateway
	case lottery.ErrCodeCircuitBreakerOpen, lottery.ErrCodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
