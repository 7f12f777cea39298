package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestContextWithLogger(t *testing.T) {
	ctx, rlog := ContextWithLogger(context.Background())
	id := RequestIDFromContext(ctx)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, rlog.Data[requestIDLoggerKey])

	again, rlog2 := ContextWithLogger(ctx)
	assert.Equal(t, ctx, again)
	assert.Equal(t, rlog, rlog2)

	ctx, rlog = ContextWithLoggerIdentity(ctx, "dev-1")
	assert.Equal(t, "dev-1", rlog.Data[identityLoggerKey])
	assert.Equal(t, id, RequestIDFromContext(ctx))
}

func TestContextWithConnection(t *testing.T) {
	request, _ := ContextWithLogger(context.Background())
	ctx, rlog := ContextWithConnection(request, "conn-1")
	assert.Equal(t, "conn-1", RequestIDFromContext(ctx))
	assert.NotContains(t, rlog.Data, requestIDLoggerKey)

	other := ContextWithLoggerFrom(context.Background(), ctx)
	assert.Equal(t, "conn-1", RequestIDFromContext(other))
	assert.Equal(t, context.Background(), ContextWithLoggerFrom(context.Background(), context.Background()))
}

func TestMarkers(t *testing.T) {
	ctx, _ := ContextWithConnection(context.Background(), "conn-1")
	assert.Equal(t, true, Security(ctx).Data[securityLoggerKey])
	assert.Equal(t, true, Alert(ctx).Data[alertLoggerKey])
	assert.Equal(t, "conn-1", Security(ctx).Data[connectionIDLoggerKey])
	assert.Empty(t, RequestIDFromContext(context.Background()))
	assert.NotNil(t, FromContext(nil))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, logrus.InfoLevel, ParseLevel("chatty"))
}

func TestAddRequestID(t *testing.T) {
	router := mux.NewRouter()
	AddRequestID(router)
	var id string
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		id = RequestIDFromContext(r.Context())
	})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, id)
}
