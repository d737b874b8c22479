// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

/*
Package rcon provides mechanisms for interacting with the Source RCON protocol as described by
Valve Software at https://developer.valvesoftware.com/wiki/Source_RCON_Protocol, as spoken by
Minecraft servers.

Connections are deliberately short-lived: an [Executor] opens a new [Session] for every command,
logs in, sends the command, reads the reply and closes the connection before returning. There is
no pooling and no shared connection state, so concurrent calls never interact.

Failures carry an [ErrorKind] so that callers can tell an unreachable server ([ErrConnect]) from
a rejected password ([ErrAuth]), a malformed reply ([ErrProtocol]) or an exhausted time bound
([ErrTimeout]). Nothing in this package retries.
*/
package rcon
