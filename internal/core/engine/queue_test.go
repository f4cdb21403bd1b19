package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSerialQueueRunsInOrder(t *testing.T) {
	queue := NewSerialQueue()

	var (
		mu    sync.Mutex
		order []int
	)
	var last <-chan struct{}
	for i := 0; i < 50; i++ {
		done, err := queue.Dispatch(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
		require.NoError(t, err)
		last = done
	}
	<-last
	queue.Close()

	require.Len(t, order, 50)
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestSerialQueueCloseDrains(t *testing.T) {
	queue := NewSerialQueue()
	block := make(chan struct{})
	ran := 0

	_, err := queue.Dispatch(func() { <-block })
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := queue.Dispatch(func() { ran++ })
		require.NoError(t, err)
	}

	close(block)
	queue.Close()
	require.Equal(t, 3, ran)

	_, err = queue.Dispatch(func() {})
	require.ErrorIs(t, err, ErrQueueClosed)

	queue.Close()
}
