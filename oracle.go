package lottery

import (
	"context"
	"math"
	"math/big"
	"slices"
	"sync"
	"time"
)

// RandomWordsRequest is what a consumer sends to the oracle
type RandomWordsRequest struct {
	KeyHash                     string  `json:"key_hash"`
	SubscriptionID              uint64  `json:"subscription_id"`
	Consumer                    Address `json:"consumer"`
	MinimumRequestConfirmations uint16  `json:"minimum_request_confirmations"`
	CallbackGasLimit            uint32  `json:"callback_gas_limit"`
	NumWords                    uint32  `json:"num_words"`
	// CallbackToken is echoed back in the CallbackProof of the fulfillment.
	// The oracle never exposes it.
	CallbackToken               string  `json:"-"`
}

// Subscription is a read-only view of an oracle subscription
type Subscription struct {
	ID        uint64    `json:"id"`
	Balance   uint64    `json:"balance"`
	ReqCount  uint64    `json:"req_count"`
	Consumers []Address `json:"consumers"`
}

type subscription struct {
	balance   uint64
	reqCount  uint64
	consumers map[Address]struct{}
}

type pendingRequest struct {
	subscriptionID   uint64
	consumer         Address
	numWords         uint32
	callbackGasLimit uint32
	keyHash          string
	callbackToken    string
	requestedAt      time.Time
}

// OracleSimulator is a controllable randomness oracle. It owns funded
// subscriptions and the pending-request book, and only delivers randomness
// when FulfillRandomWords is called explicitly.
type OracleSimulator struct {
	mu sync.Mutex

	address      Address
	baseFee      uint64
	gasPriceLink uint64

	subscriptions map[uint64]*subscription
	requests      map[uint64]*pendingRequest
	nextSubID     uint64
	nextRequestID uint64

	generator WordGenerator
	// outage 非空时拒绝新的随机数请求
	outage    error
	events    *EventLog
	clock     Clock
	logger    Logger

	performanceMonitor *PerformanceMonitor
}

// OracleOption configures an OracleSimulator
type OracleOption func(*OracleSimulator)

// WithOracleAddress sets the oracle identity
func WithOracleAddress(addr Address) OracleOption {
	return func(o *OracleSimulator) { o.address = addr }
}

// WithWordGenerator sets how words are produced on fulfillment
func WithWordGenerator(g WordGenerator) OracleOption {
	return func(o *OracleSimulator) { o.generator = g }
}

// WithOracleLogger sets the oracle logger
func WithOracleLogger(l Logger) OracleOption {
	return func(o *OracleSimulator) { o.logger = l }
}

// WithOracleClock sets the clock used for event timestamps
func WithOracleClock(c Clock) OracleOption {
	return func(o *OracleSimulator) { o.clock = c }
}

// WithOracleMonitor shares a performance monitor with the oracle
func WithOracleMonitor(m *PerformanceMonitor) OracleOption {
	return func(o *OracleSimulator) { o.performanceMonitor = m }
}

// NewOracleSimulator creates an oracle charging baseFee + gasPriceLink*numWords per request
func NewOracleSimulator(baseFee, gasPriceLink uint64, opts ...OracleOption) *OracleSimulator {
	o := &OracleSimulator{
		address:       NewAddress(),
		baseFee:       baseFee,
		gasPriceLink:  gasPriceLink,
		subscriptions: make(map[uint64]*subscription),
		requests:      make(map[uint64]*pendingRequest),
		nextSubID:     1,
		nextRequestID: 1,
		generator:     NewSecureWordGenerator(),
		events:        NewEventLog(),
		clock:         SystemClock{},
		logger:        &DefaultLogger{},

		performanceMonitor: NewPerformanceMonitor(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewOracleSimulatorFromConfig creates an oracle from an OracleConfig.
// A non-zero seed selects the reproducible keccak generator.
func NewOracleSimulatorFromConfig(cfg *OracleConfig, opts ...OracleOption) *OracleSimulator {
	if cfg == nil {
		cfg = DefaultOracleConfig()
	}

	base := []OracleOption{}
	if cfg.Seed != 0 {
		base = append(base, WithWordGenerator(NewKeccakWordGenerator(cfg.Seed)))
	}
	if cfg.Address != "" {
		base = append(base, WithOracleAddress(Address(cfg.Address)))
	}
	return NewOracleSimulator(cfg.BaseFee, cfg.GasPriceLink, append(base, opts...)...)
}

// Address returns the oracle identity
func (o *OracleSimulator) Address() Address { return o.address }

// Events returns the oracle event log
func (o *OracleSimulator) Events() *EventLog { return o.events }

// SetAvailable toggles a simulated outage. While unavailable every
// RequestRandomWords fails with the retryable ErrServiceUnavailable.
func (o *OracleSimulator) SetAvailable(available bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if available {
		o.outage = nil
		return
	}
	o.outage = ErrServiceUnavailable.WithDetails("oracle outage")
}

// Available reports whether the oracle accepts requests
func (o *OracleSimulator) Available() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.outage == nil
}

// RequestCost returns what a request for numWords costs
func (o *OracleSimulator) RequestCost(numWords uint32) uint64 {
	if o.gasPriceLink > 0 && uint64(numWords) > (math.MaxUint64-o.baseFee)/o.gasPriceLink {
		return math.MaxUint64
	}
	return o.baseFee + o.gasPriceLink*uint64(numWords)
}

// CreateSubscription allocates a fresh subscription with zero balance and no consumers
func (o *OracleSimulator) CreateSubscription(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	o.mu.Lock()
	subID := o.nextSubID
	o.nextSubID++
	o.subscriptions[subID] = &subscription{consumers: make(map[Address]struct{})}
	o.events.record(o.clock.Now(), SubscriptionCreated{SubscriptionID: subID})
	o.mu.Unlock()

	o.events.publish(SubscriptionCreated{SubscriptionID: subID})
	o.logger.Info("Subscription %d created", subID)
	return subID, nil
}

// FundSubscription adds amount to the subscription balance
func (o *OracleSimulator) FundSubscription(ctx context.Context, subID, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	sub, ok := o.subscriptions[subID]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownSubscription.WithMetadata("subscription_id", subID)
	}
	if sub.balance > math.MaxUint64-amount {
		o.mu.Unlock()
		return ErrInvalidParameters.WithDetails("subscription balance overflow")
	}

	event := SubscriptionFunded{SubscriptionID: subID, OldBalance: sub.balance, NewBalance: sub.balance + amount}
	sub.balance += amount
	o.events.record(o.clock.Now(), event)
	o.mu.Unlock()

	o.events.publish(event)
	o.logger.Debug("Subscription %d funded: %d -> %d", subID, event.OldBalance, event.NewBalance)
	return nil
}

// AddConsumer authorizes consumer on the subscription. Adding twice is a no-op.
func (o *OracleSimulator) AddConsumer(ctx context.Context, subID uint64, consumer Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateAddress(consumer); err != nil {
		return err
	}

	o.mu.Lock()
	sub, ok := o.subscriptions[subID]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownSubscription.WithMetadata("subscription_id", subID)
	}
	if _, exists := sub.consumers[consumer]; exists {
		o.mu.Unlock()
		return nil
	}

	sub.consumers[consumer] = struct{}{}
	event := ConsumerAdded{SubscriptionID: subID, Consumer: consumer}
	o.events.record(o.clock.Now(), event)
	o.mu.Unlock()

	o.events.publish(event)
	o.logger.Info("Consumer %s added to subscription %d", consumer, subID)
	return nil
}

// RemoveConsumer revokes the authorization of consumer
func (o *OracleSimulator) RemoveConsumer(ctx context.Context, subID uint64, consumer Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	sub, ok := o.subscriptions[subID]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownSubscription.WithMetadata("subscription_id", subID)
	}
	if _, exists := sub.consumers[consumer]; !exists {
		o.mu.Unlock()
		return ErrInvalidConsumer.WithMetadata("consumer", consumer)
	}

	delete(sub.consumers, consumer)
	event := ConsumerRemoved{SubscriptionID: subID, Consumer: consumer}
	o.events.record(o.clock.Now(), event)
	o.mu.Unlock()

	o.events.publish(event)
	o.logger.Info("Consumer %s removed from subscription %d", consumer, subID)
	return nil
}

// GetSubscription returns a snapshot of the subscription
func (o *OracleSimulator) GetSubscription(ctx context.Context, subID uint64) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	sub, ok := o.subscriptions[subID]
	if !ok {
		return nil, ErrUnknownSubscription.WithMetadata("subscription_id", subID)
	}

	consumers := make([]Address, 0, len(sub.consumers))
	for c := range sub.consumers {
		consumers = append(consumers, c)
	}
	slices.Sort(consumers)

	return &Subscription{
		ID:        subID,
		Balance:   sub.balance,
		ReqCount:  sub.reqCount,
		Consumers: consumers,
	}, nil
}

// PendingRequestExists reports whether subID has undelivered requests
func (o *OracleSimulator) PendingRequestExists(ctx context.Context, subID uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.pendingForLocked(subID)
}

// RequestPending reports whether requestID is still waiting for delivery to consumer
func (o *OracleSimulator) RequestPending(ctx context.Context, requestID uint64, consumer Address) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	req, ok := o.requests[requestID]
	return ok && req.consumer == consumer
}

func (o *OracleSimulator) pendingForLocked(subID uint64) bool {
	for _, req := range o.requests {
		if req.subscriptionID == subID {
			return true
		}
	}
	return false
}

// CancelSubscription removes the subscription and returns its remaining balance.
// It fails while the subscription still has pending requests.
func (o *OracleSimulator) CancelSubscription(ctx context.Context, subID uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	o.mu.Lock()
	sub, ok := o.subscriptions[subID]
	if !ok {
		o.mu.Unlock()
		return 0, ErrUnknownSubscription.WithMetadata("subscription_id", subID)
	}
	if o.pendingForLocked(subID) {
		o.mu.Unlock()
		return 0, ErrPendingRequestExists.WithMetadata("subscription_id", subID)
	}

	refund := sub.balance
	delete(o.subscriptions, subID)
	event := SubscriptionCanceled{SubscriptionID: subID}
	o.events.record(o.clock.Now(), event)
	o.mu.Unlock()

	o.events.publish(event)
	o.logger.Info("Subscription %d canceled, refund=%d", subID, refund)
	return refund, nil
}

// RequestRandomWords validates, charges and records a randomness request
func (o *OracleSimulator) RequestRandomWords(ctx context.Context, req RandomWordsRequest) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if req.NumWords == 0 || req.NumWords > MaxNumWords {
		return 0, ErrInvalidParameters.WithDetails("num_words out of range").
			WithMetadata("num_words", req.NumWords)
	}
	if req.MinimumRequestConfirmations > MaxRequestConfirmations {
		return 0, ErrInvalidParameters.WithDetails("too many request confirmations")
	}

	o.mu.Lock()
	if o.outage != nil {
		err := o.outage
		o.mu.Unlock()
		return 0, err
	}
	sub, ok := o.subscriptions[req.SubscriptionID]
	if !ok {
		o.mu.Unlock()
		return 0, ErrUnauthorized.WithDetails("unknown subscription").
			WithMetadata("subscription_id", req.SubscriptionID)
	}
	if _, authorized := sub.consumers[req.Consumer]; !authorized {
		o.mu.Unlock()
		return 0, ErrUnauthorized.WithDetails("consumer not authorized").
			WithMetadata("subscription_id", req.SubscriptionID).
			WithMetadata("consumer", req.Consumer)
	}

	cost := o.RequestCost(req.NumWords)
	if sub.balance < cost {
		o.mu.Unlock()
		return 0, ErrInsufficientFunds.
			WithMetadata("balance", sub.balance).
			WithMetadata("cost", cost)
	}

	now := o.clock.Now()
	requestID := o.nextRequestID
	o.nextRequestID++
	o.requests[requestID] = &pendingRequest{
		subscriptionID:   req.SubscriptionID,
		consumer:         req.Consumer,
		numWords:         req.NumWords,
		callbackGasLimit: req.CallbackGasLimit,
		keyHash:          req.KeyHash,
		callbackToken:    req.CallbackToken,
		requestedAt:      now,
	}
	sub.balance -= cost
	sub.reqCount++

	event := RandomnessRequested{RequestID: requestID, SubscriptionID: req.SubscriptionID}
	o.events.record(now, event)
	o.mu.Unlock()

	o.events.publish(event)
	o.performanceMonitor.RecordRandomnessRequest()
	o.logger.Info("Randomness requested: request=%d subscription=%d consumer=%s words=%d cost=%d",
		requestID, req.SubscriptionID, req.Consumer, req.NumWords, cost)
	return requestID, nil
}

// FulfillRandomWords generates words for requestID and delivers them to consumer.
// The request is consumed before delivery; a failing consumer is reported, never retried.
func (o *OracleSimulator) FulfillRandomWords(ctx context.Context, requestID uint64, consumer RandomnessConsumer) error {
	return o.fulfill(ctx, requestID, consumer, nil)
}

// FulfillRandomWordsWithOverride delivers caller-chosen words. len(words) must match the request.
func (o *OracleSimulator) FulfillRandomWordsWithOverride(
	ctx context.Context, requestID uint64, consumer RandomnessConsumer, words []*big.Int,
) error {
	if words == nil {
		return ErrInvalidRandomWords.WithDetails("no words supplied")
	}
	return o.fulfill(ctx, requestID, consumer, words)
}

func (o *OracleSimulator) fulfill(
	ctx context.Context, requestID uint64, consumer RandomnessConsumer, override []*big.Int,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if consumer == nil {
		return ErrInvalidParameters.WithDetails("consumer cannot be nil")
	}

	o.mu.Lock()
	req, ok := o.requests[requestID]
	if !ok {
		o.mu.Unlock()
		return ErrNonexistentRequest.WithMetadata("request_id", requestID)
	}
	if consumer.Address() != req.consumer {
		o.mu.Unlock()
		return ErrInvalidConsumer.WithDetails("request belongs to another consumer").
			WithMetadata("request_id", requestID).
			WithMetadata("consumer", consumer.Address())
	}

	words := override
	if words == nil {
		generated, err := o.generator.Generate(requestID, req.numWords)
		if err != nil {
			o.mu.Unlock()
			return err
		}
		words = generated
	} else if uint32(len(words)) != req.numWords {
		o.mu.Unlock()
		return ErrInvalidRandomWords.
			WithMetadata("expected", req.numWords).
			WithMetadata("got", len(words))
	}

	delete(o.requests, requestID)
	requestedAt := req.requestedAt
	proof := CallbackProof{Oracle: o.address, Token: req.callbackToken}
	o.mu.Unlock()

	// The consumer runs outside the oracle lock so it may call back into the oracle.
	err := consumer.RawFulfillRandomWords(ctx, proof, requestID, words)

	now := o.clock.Now()
	o.events.Emit(now, RandomWordsFulfilled{RequestID: requestID, Success: err == nil})
	o.performanceMonitor.RecordFulfillment(err == nil, now.Sub(requestedAt))

	if err != nil {
		o.logger.Error("Delivery of request %d to %s failed: %v", requestID, consumer.Address(), err)
		return err
	}

	o.logger.Info("Request %d fulfilled to %s", requestID, consumer.Address())
	return nil
}
