package binance

import (
	"context"
	"errors"
	"fmt"

	"github.com/adshao/go-binance/v2/common"

	"trailsim/internal/domain/model"
)

// 这些错误码表示服务端繁忙/超时/限流，可重试
var transientCodes = map[int64]struct{}{
	-1000: {}, // UNKNOWN
	-1001: {}, // DISCONNECTED
	-1003: {}, // TOO_MANY_REQUESTS
	-1006: {}, // UNEXPECTED_RESP
	-1007: {}, // TIMEOUT
	-1008: {}, // SERVER_BUSY
	-1015: {}, // TOO_MANY_ORDERS
}

// codeNoSuchOrder NO_SUCH_ORDER
const codeNoSuchOrder = -2013

// classify 交易所明确拒绝 -> ErrExchangeRejected，其余 -> ErrExchangeUnavailable
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == codeNoSuchOrder {
			return fmt.Errorf("%w: binance %s: code=%d %s", model.ErrNotFound, op, apiErr.Code, apiErr.Message)
		}
		// Code 0 是非 JSON 响应（网关 5xx 等）
		if _, ok := transientCodes[apiErr.Code]; ok || apiErr.Code == 0 {
			return fmt.Errorf("%w: binance %s: code=%d %s", model.ErrExchangeUnavailable, op, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("%w: binance %s: code=%d %s", model.ErrExchangeRejected, op, apiErr.Code, apiErr.Message)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("binance %s: %w", op, err)
	}
	return fmt.Errorf("%w: binance %s: %v", model.ErrExchangeUnavailable, op, err)
}
