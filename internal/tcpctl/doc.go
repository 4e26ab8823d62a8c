/*
package tcpctl holds the session bookkeeping of a userspace TCP engine that
speaks for a single host over raw Ethernet frames: session control blocks
([SCB]), the fixed capacity session [Table] answered by the passive path and
the reply-flag decision table ([Decide]).

Nothing in this package performs I/O or sleeps. Callers own synchronization.

# Primary session lifecycle

	                   +---------+
	       +---------->|  CLOSED |<----------------------------+
	       |           +---------+                             |
	       |  3 attempts |     | Listen                        |
	       |  exhausted  |     V                               |
	       |  or RST     | +---------+   rcv SYN on listen port  |
	       |             | |  LISTEN |-----------------------+   |
	       |  Connect    | +---------+   snd SYN,ACK         |   |
	       |  snd SYN    V                                   V   |
	     +---------+  rcv SYN,ACK   +---------+                  |
	     |   SYN   |--------------->|  ESTAB  |<-----------------+
	     |   SENT  |    snd ACK     +---------+
	     +---------+                  |     |  rcv FIN
	                          Close   |     |  snd ACK
	                          snd FIN V     V
	                      +---------+      +---------+
	                      |  FIN    |      |  CLOSE  |
	                      | WAIT-1  |      |   WAIT  |
	                      +---------+      +---------+
	          rcv ACK of FIN |    | rcv FIN,ACK      | Close, snd FIN
	                         V    | snd ACK          V rcv ACK of FIN
	                  +---------+ |               +---------+
	                  |FINWAIT-2|-+-------------->| CLOSED  |
	                  +---------+  rcv FIN        +---------+
	                               snd ACK

# Passive sessions

Table slots are created by an inbound SYN and answered segment by segment
with [Decide]. A slot whose peer closed the connection is kept with outbound
flags FIN until the final ACK arrives, after which it is cleared. Slots that
see no traffic for the session timeout become reusable.
*/
package tcpctl
