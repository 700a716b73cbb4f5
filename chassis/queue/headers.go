package queue

import (
	"strconv"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// RetryCountHeader - number of retries already spent on a message
	RetryCountHeader = "retry_count"
	// LastErrorHeader - reason a message was dead-lettered
	LastErrorHeader = "last_error"
)

// RetryCount reads retry_count from headers; absent or unreadable means 0.
func RetryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	var n int64
	switch v := headers[RetryCountHeader].(type) {
	case int:
		n = int64(v)
	case int8:
		n = int64(v)
	case int16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint8:
		n = int64(v)
	case uint16:
		n = int64(v)
	case uint32:
		n = int64(v)
	case float32:
		n = int64(v)
	case float64:
		n = int64(v)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0
		}
		n = parsed
	case []byte:
		parsed, err := strconv.ParseInt(strings.TrimSpace(string(v)), 10, 64)
		if err != nil {
			return 0
		}
		n = parsed
	default:
		return 0
	}
	if n < 0 {
		return 0
	}
	return int(n)
}

// WithHeader returns a copy of headers with key set to value.
func WithHeader(headers amqp.Table, key string, value interface{}) amqp.Table {
	out := make(amqp.Table, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out[key] = value
	return out
}

// WithRetryCount returns a copy of headers carrying retry_count = n.
func WithRetryCount(headers amqp.Table, n int) amqp.Table {
	return WithHeader(headers, RetryCountHeader, int32(n))
}
