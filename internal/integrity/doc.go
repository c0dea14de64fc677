// Package integrity checks that the contributors of a collection agree on
// the checksums of its files.
//
// A Checker runs a GetChecksums operation over every file, raises a
// CHECKSUM_ALARM for each file whose contributors disagree and an
// INTEGRITY_ISSUE alarm for files some responding contributors lack.
// Conflicts are reported, never repaired. The latest result per file is
// kept in a badger-backed Cache.
package integrity
