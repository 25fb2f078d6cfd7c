package ordered

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodePreservesKeyOrder(t *testing.T) {
	src := []byte(`{"zebra":1,"apple":2,"mango":3}`)
	obj, err := Decode(src)
	require.NoError(t, err)
	require.Equal(t, []string{"zebra", "apple", "mango"}, obj.Keys())
}

func TestMarshalRoundTripIsByteIdentical(t *testing.T) {
	src := []byte(`{"created":"2021-01-01T00:00:00Z","container_config":{},"layer_id":"abc"}`)
	obj, err := Decode(src)
	require.NoError(t, err)

	out, err := json.Marshal(obj)
	require.NoError(t, err)
	require.Equal(t, string(src), string(out))

	// Two successive marshals of the same object must be byte-identical:
	// canonical JSON stability (testable property 3).
	out2, err := json.Marshal(obj)
	require.NoError(t, err)
	require.Equal(t, out, out2)
}

func TestSetAppendsNewKeyAtEnd(t *testing.T) {
	o := New()
	require.NoError(t, o.Set("a", 1))
	require.NoError(t, o.Set("b", 2))
	require.NoError(t, o.Set("a", 99))
	require.Equal(t, []string{"a", "b"}, o.Keys())

	out, err := json.Marshal(o)
	require.NoError(t, err)
	require.Equal(t, `{"a":99,"b":2}`, string(out))
}

func TestUpdateOverwritesInPlaceAndAppendsNewKeysInSourceOrder(t *testing.T) {
	base := New()
	require.NoError(t, base.Set("id", "sha256:deadbeef"))
	require.NoError(t, base.Set("parent", "sha256:beadfeed"))

	patch := New()
	require.NoError(t, patch.Set("created", "2021-01-01T00:00:00Z"))
	require.NoError(t, patch.Set("id", "sha256:overwritten"))
	require.NoError(t, patch.Set("os", "linux"))

	base.Update(patch)

	// id stays in its original position but with the new value; created
	// and os are appended in patch's own order.
	require.Equal(t, []string{"id", "parent", "created", "os"}, base.Keys())

	out, err := json.Marshal(base)
	require.NoError(t, err)
	require.Equal(t, `{"id":"sha256:overwritten","parent":"sha256:beadfeed","created":"2021-01-01T00:00:00Z","os":"linux"}`, string(out))
}

func TestDeleteRemovesKeyWithoutDisturbingOrder(t *testing.T) {
	o := New()
	require.NoError(t, o.Set("history", []string{"a"}))
	require.NoError(t, o.Set("rootfs", map[string]string{}))
	require.NoError(t, o.Set("architecture", "amd64"))

	o.Delete("history")
	o.Delete("rootfs")

	require.Equal(t, []string{"architecture"}, o.Keys())
	require.False(t, o.Has("history"))
}

func TestCloneIsIndependent(t *testing.T) {
	o := New()
	require.NoError(t, o.Set("a", 1))

	c := o.Clone()
	require.NoError(t, c.Set("b", 2))

	require.Equal(t, []string{"a"}, o.Keys())
	require.Equal(t, []string{"a", "b"}, c.Keys())
}

func TestDecodeRejectsNonObject(t *testing.T) {
	_, err := Decode([]byte(`[1,2,3]`))
	require.Error(t, err)
}
