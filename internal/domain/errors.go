package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// VenueError represents a failure talking to the trading venue. Retriable
// venue errors (timeouts, connection drops) feed the API-failure circuit
// breaker; non-retriable ones (rejections) abandon the attempt.
type VenueError struct {
	Op        string // operation that failed (e.g. "submit_order", "get_orderbook")
	Err       error  // underlying error
	Retriable bool
}

func (e *VenueError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *VenueError) IsRetriable() bool {
	return e.Retriable
}

func (e *VenueError) Unwrap() error {
	return e.Err
}

// NewVenueError creates a retriable venue error (transport failure).
func NewVenueError(op string, err error) *VenueError {
	return &VenueError{Op: op, Err: err, Retriable: true}
}

// NewRejectionError creates a non-retriable venue error (venue rejected the
// operation; retrying without a fresh quote is pointless).
func NewRejectionError(op string, err error) *VenueError {
	return &VenueError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrOrderRejected is returned when the venue refuses a submission.
	ErrOrderRejected = errors.New("order rejected by venue")

	// ErrUnknownOrder is returned for operations on an order id the manager
	// does not hold open.
	ErrUnknownOrder = errors.New("order not found")

	// ErrInvalidTransition is returned on an attempt to move an order out of
	// a terminal state.
	ErrInvalidTransition = errors.New("invalid order state transition")

	// ErrInvalidFill is returned when a fill exceeds the remaining order
	// size. This indicates state corruption and must be treated as fatal.
	ErrInvalidFill = errors.New("fill exceeds remaining order size")

	// ErrTradingPaused is returned when a circuit breaker has suspended new
	// order placement.
	ErrTradingPaused = errors.New("trading paused by circuit breaker")
)
