package gorelay

// broadcastRouter fans the bytes read from one connection out to all the others
type broadcastRouter struct {
	table *connTable
}

func newBroadcastRouter(table *connTable) *broadcastRouter {
	return &broadcastRouter{
		table: table,
	}
}

// route appends bs to the outbound queue of every connection but the sender and
// returns the number of destinations. bs is copied once, all destinations share
// the copy
func (r *broadcastRouter) route(senderFD int, bs []byte) int {
	if len(bs) == 0 {
		return 0
	}
	if _, ok := r.table.get(senderFD); ok && r.table.len() == 1 {
		return 0
	}

	chunk := make([]byte, len(bs))
	copy(chunk, bs)

	n := 0
	r.table.each(func(conn *tcpConnection) {
		if conn.GetFD() == senderFD || conn.state != Connected {
			return
		}

		conn.outputBuffer.Append(chunk)
		// writable interest is asserted when the cycle ends
		conn.markDirty()
		n++
	})

	return n
}
