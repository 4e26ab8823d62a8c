/*
Package rawtcp implements a minimal TCP engine for simulated hosts exchanging
raw Ethernet frames carrying IPv4 or IPv6.

A [Host] plays two roles at once. It drives a single primary session through
blocking state machines:

	Connect  SYN -> SYN|ACK -> ACK
	Send     PSH|ACK -> ACK        up to 3 attempts
	Recv     PSH|ACK -> ACK
	Close    FIN|PSH|ACK -> ACK, FIN -> ACK

and answers every other TCP segment addressed to it from a fixed capacity
session table, one reply per segment, following a flag driven decision table.
Frames come in through [Host.Input] or [Host.Serve] and leave through the
queue returned by [Host.Outbound]. A SYN arriving on a port registered with
[Host.Listen] is promoted to the primary session and handed to [Host.Accept].

There is no retransmission timer, congestion or flow control, TCP options or
out of order reassembly.
*/
package rawtcp
