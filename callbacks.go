package gorelay

type ConnectedCallbackFunc func(TCPConnection)
type DisConnectedCallbackFunc func(TCPConnection)

// inbound bytes of a connection, only valid during the call
type messageCallbackFunc func(*tcpConnection, []byte)
type closeCallbackFunc func(*tcpConnection)

func defaultConnectedCallback(tc TCPConnection) {
	// just do nothing
}

func defaultDisConnectedCallback(tc TCPConnection) {
	// just do nothing
}
