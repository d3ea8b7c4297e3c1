package rpcproto

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecvReturnNone(t *testing.T) {
	var in bytes.Buffer
	data, err := RecvReturn(&in, "n", func(int) ([]byte, error) { t.Fatal("next should not be called"); return nil, nil })
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestRecvReturnInt32AsksForOneSlot(t *testing.T) {
	var in bytes.Buffer
	require.NoError(t, binary.Write(&in, binary.BigEndian, int32(42)))

	var requestedSizes []int
	next := func(size int) ([]byte, error) {
		requestedSizes = append(requestedSizes, size)
		return make([]byte, size), nil
	}

	data, err := RecvReturn(&in, "i", next)
	require.NoError(t, err)
	require.Equal(t, []int{4}, requestedSizes)
	require.Equal(t, uint32(42), binary.BigEndian.Uint32(data))
}

func TestRecvReturnStringSizesSlotToData(t *testing.T) {
	var in bytes.Buffer
	require.NoError(t, writeBytes(&in, []byte("hello")))

	next := func(size int) ([]byte, error) {
		require.Equal(t, 5, size)
		return make([]byte, size), nil
	}

	data, err := RecvReturn(&in, "s", next)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestSendArgsRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SendArgs(&buf, 7, "tag", []byte("payload")))

	var service uint32
	require.NoError(t, binary.Read(&buf, binary.BigEndian, &service))
	require.Equal(t, uint32(7), service)

	tag, err := readBytes(&buf)
	require.NoError(t, err)
	require.Equal(t, "tag", string(tag))

	data, err := readBytes(&buf)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}
