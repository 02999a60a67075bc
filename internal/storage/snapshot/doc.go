// Package snapshot reads and writes securekv snapshot files.
//
// A snapshot is a complete copy of every table. File layout:
//
//	[magic:8 "SKVSNAP1"]
//	[HeaderLen:4][HeaderJSON:HeaderLen]
//	[DataLen:8][Data:DataLen]   (JSON tables, or sealed bytes)
//	[checksum:32 SHA-256 of all bytes above]
//
// Writes go to a temporary file in the target directory which is fsynced
// and renamed over the destination, so a crash leaves either the old or
// the new snapshot, never a partial one.
//
// When a passphrase is configured the data block is sealed with an AEAD.
// The key is derived per file from the passphrase and a random salt kept
// in the header, and the header bytes are bound to the ciphertext as
// additional data.
package snapshot
