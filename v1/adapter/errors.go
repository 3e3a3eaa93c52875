package adapter

import (
	"context"
	stdErrors "errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	redis "github.com/redis/go-redis/v9"

	ledgererrors "github.com/yifeng2019uwb/cloud-native-order-processor/v1/errors"
)

var conditionFailed = ledgererrors.ErrConditionFailed

// ctxErr reports a context that is already done before a store call.
func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return ledgererrors.ErrTimeout
		}
		return err
	}
	return nil
}

// redisErr translates go-redis failures into the shared sentinels. op names
// the store call for the wrapped message.
func redisErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return ledgererrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return ledgererrors.ErrConnectionClosed
	default:
		return fmt.Errorf("redis %s failed: %w", op, err)
	}
}

// dynamoErr translates DynamoDB failures into the shared sentinels.
func dynamoErr(op string, err error) error {
	var ccf *types.ConditionalCheckFailedException
	switch {
	case err == nil:
		return nil
	case stdErrors.As(err, &ccf):
		return ledgererrors.ErrConditionFailed
	case stdErrors.Is(err, context.DeadlineExceeded):
		return ledgererrors.ErrTimeout
	default:
		return fmt.Errorf("%s operation failed: %w", op, err)
	}
}
