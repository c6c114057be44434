package resilience

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("invalid key"), false},
		{"transient", NewTransientError(errors.New("x"), 502), true},
		{"wrapped transient", eris.Wrap(NewTransientError(errors.New("x"), 429), "serper: search"), true},
		{"quota", &QuotaError{Service: "serpapi"}, false},
		{"reset", fmt.Errorf("read: connection reset by peer"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestHTTPError(t *testing.T) {
	err := HTTPError("serper", 429, []byte(`{"message":"rate limited"}`))
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "serper: http 429")

	var te *TransientError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, 429, te.StatusCode)

	err = HTTPError("serper", 400, []byte("bad"))
	assert.False(t, IsTransient(err))
}

func TestQuotaError_Message(t *testing.T) {
	assert.Equal(t, "serper: quota exhausted", (&QuotaError{Service: "serper"}).Error())
	assert.Equal(t, "serpapi: quota exhausted: all keys", (&QuotaError{Service: "serpapi", Detail: "all keys"}).Error())
}
