package reliabletransport

const (
	// Capacity of the in-flight queue for outgoing packets. Callers get
	// backpressure once this many packets await acknowledgment.
	RELIABLE_SEND_BUFFER_SIZE = 12

	// Capacity of the reorder buffer for incoming packets. Packets beyond
	// this are dropped without an ACK so the peer retransmits.
	RELIABLE_RECV_BUFFER_SIZE = RELIABLE_SEND_BUFFER_SIZE

	// The maximum number of ACKs that fit in the ACK array of an
	// outgoing packet; the excess stays queued for the next record.
	MAX_ACKS_PER_OUTGOING_PACKET = 4

	// Initial retransmission timeout, in seconds. Doubles on every retry.
	INITIAL_RETRANSMIT_SECONDS = 1

	// Maximum retransmission backoff, in seconds.
	MAX_BACKOFF_SECONDS = 16

	// How many ACKs for higher packet IDs trigger a fast retransmit.
	FAST_RETRANSMIT_ACK_THRESHOLD = 3

	// Idle sender wakeup period, in milliseconds.
	SENDER_TICKER_MS = 1000 * 60
)
