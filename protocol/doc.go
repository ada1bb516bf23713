/*
Package protocol implements the nailgun wire format.

Every unit on the wire is a frame:

	[4-byte big-endian payload length][1-byte tag][payload]

The client sends argument (A), environment (E) and working directory (D) frames followed by exactly one
command (C) frame, which ends the header. While the nail runs, the server sends stdout (1) and stderr (2)
frames, and asks for input with a zero-length send-input (S) frame only when the nail actually reads stdin.
The client answers with one stdin (0) frame or a stdin-EOF (.) frame. The exit (X) frame, whose payload is
the ASCII decimal exit status, is always the last frame the server writes.
*/
package protocol
