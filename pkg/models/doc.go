/*
Package models defines the data structures shared by the speed test
orchestrator: server definitions, selection candidates, controller and
phase state enums, status snapshots and persisted measurements.

Core Types:

ServerDefinition describes one measurement server as found in a
librespeed-style server list:

	{
		"name":     "Frankfurt",
		"server":   "//fra.example.net/",
		"dlURL":    "garbage.php",
		"ulURL":    "empty.php",
		"pingURL":  "empty.php",
		"getIpURL": "getIP.php"
	}

Candidate wraps a ServerDefinition for the duration of one selection run
and carries the best observed latency, or Unreachable (-1).

RunState is the controller lifecycle:

	Configuring(0) -> AddingServers(1) -> ServerSelected(2) -> Running(3) -> Done(4)

Phase is reported by the execution unit inside every StatusSnapshot:

	NotStarted(-1) Starting(0) Download(1) PingJitter(2) Upload(3) Finished(4) Aborted(5)

Measurement is the bun model stored in the measurements table by callers
that persist results. The controller itself never writes it.

Thread Safety:

The model structures are plain values with no internal locking. The
controller owns its server definitions and hands out pointers that must
not be modified while a selection or a run is in progress.
*/
package models
