package sexpr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHelloReply(t *testing.T) {
	data := "(hello_reply\n" +
		"\t:range (\n" +
		"\t\t: (\n" +
		"\t\t\t:from (10.0.0.0)\n" +
		"\t\t\t:to (10.255.255.255))\n" +
		"\t\t: (\n" +
		"\t\t\t:from (172.16.0.0)\n" +
		"\t\t\t:to (172.16.255.255)))\n" +
		")"

	expr, err := Parse(data)
	require.NoError(t, err)

	from, ok := expr.Get("hello_reply:range:0:from").AsValue()
	require.True(t, ok)
	assert.Equal(t, "10.0.0.0", from)

	to, ok := expr.Get("hello_reply:range:0:to").AsValue()
	require.True(t, ok)
	assert.Equal(t, "10.255.255.255", to)

	second := expr.Get("hello_reply:range:1")
	require.NotNil(t, second)
	assert.Equal(t, KindObject, second.Kind)
}

func TestParseArray(t *testing.T) {
	data := "(Response :data (: (hello) : (world)))"
	expr, err := Parse(data)
	require.NoError(t, err)

	items, ok := expr.Get("Response:data").AsArray()
	require.True(t, ok)
	require.Len(t, items, 2)

	v0, _ := items[0].AsValue()
	v1, _ := items[1].AsValue()
	assert.Equal(t, "hello", v0)
	assert.Equal(t, "world", v1)
}

func TestQuotedValueRoundTrip(t *testing.T) {
	data := "(Response\n\t:data (\"hello world\"))"
	expr, err := Parse(data)
	require.NoError(t, err)

	v, ok := expr.Get("Response:data").AsValue()
	require.True(t, ok)
	assert.Equal(t, "hello world", v)

	assert.Equal(t, data, expr.Encode())
}

func TestFromGoQuotesNonAlnum(t *testing.T) {
	type data struct {
		Key string `json:"key"`
	}
	expr, err := FromGo(data{Key: "Helloworld!"})
	require.NoError(t, err)

	v, ok := expr.Get("key").AsValue()
	require.True(t, ok)
	assert.Equal(t, "Helloworld!", v)
	assert.Equal(t, "(\n\t:key (\"Helloworld!\"))", expr.Encode())
}

func TestFromGoNullField(t *testing.T) {
	type data struct {
		Key *int `json:"key"`
	}
	expr, err := FromGo(data{Key: nil})
	require.NoError(t, err)

	got := expr.Get("key")
	require.NotNil(t, got)
	assert.Equal(t, KindNull, got.Kind)
}

func TestToJSONFromJSONRoundTrip(t *testing.T) {
	data := "(hello_reply\n\t:range (\n\t\t(\n\t\t\t:from (10.0.0.0)\n\t\t\t:to (10.255.255.255))))"
	expr, err := Parse(data)
	require.NoError(t, err)

	back := FromJSON(expr.ToJSON())
	assert.Equal(t, expr.Encode(), back.Encode())
}

func TestGetIntHex(t *testing.T) {
	expr := Obj("x", map[string]*Expr{"code": Val("0x1f")})
	n, ok := expr.GetInt("x:code")
	require.True(t, ok)
	assert.EqualValues(t, 31, n)
}
