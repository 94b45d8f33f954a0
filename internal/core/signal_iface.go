package core

// Frame is a raw serialized signaling message.
type Frame []byte

// SignalConnection abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend enqueues a frame without blocking. It returns an error
	// when the connection is closed or its send buffer is full; the
	// caller decides whether that sink matters.
	TrySend(Frame) error
	Close()
}
