package wireutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/mi7io/mi7/internal/wire"
)

func Test_LoggingHandlerReturnsNil(t *testing.T) {
	handler := LoggingHandler(zap.NewNop().Sugar())
	err := handler(context.Background(), 1, wire.Message{Flag: 1, Data: []byte("x")})
	assert.NoError(t, err)
}
