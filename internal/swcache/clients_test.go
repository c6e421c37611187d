package swcache

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientsTouchAndClaim(t *testing.T) {
	c := NewClients()
	assert.Equal(t, "v1", c.Touch("a", "v1"))
	// a known client keeps its controller until claimed
	assert.Equal(t, "v1", c.Touch("a", "v2"))
	c.Touch("b", "v2")
	assert.Equal(t, 2, c.Len())

	assert.Equal(t, 1, c.Claim("v2"))
	assert.Equal(t, 0, c.Claim("v2"))
	assert.Equal(t, map[string]int{"v2": 2}, c.Controllers())

	_, ok := c.Controller("missing")
	assert.False(t, ok)
}

func TestClientID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	id, ck := clientID(r)
	require.NotNil(t, ck)
	assert.Equal(t, clientCookie, ck.Name)
	assert.Equal(t, id, ck.Value)
	_, err := uuid.Parse(id)
	require.NoError(t, err)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: clientCookie, Value: id})
	again, ck := clientID(r)
	assert.Equal(t, id, again)
	assert.Nil(t, ck)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: clientCookie, Value: "not-a-uuid"})
	fresh, ck := clientID(r)
	assert.NotEqual(t, "not-a-uuid", fresh)
	assert.NotNil(t, ck)
}
