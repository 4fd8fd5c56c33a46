// Package demux watches a transport stream for its PAT and PMT and reports
// which elementary streams make up the current channel.
//
// A [Demuxer] pulls bytes from a reader in bounded loops: [Demuxer.Start]
// learns the channel when a stream is opened and [Demuxer.RequestNewPat]
// re-learns it after a channel switch. It never extracts elementary stream
// payloads.
package demux
