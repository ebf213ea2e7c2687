// Package cache owns the on-disk placement of song files for one backend
// namespace. Downloads land in <root>/<backend>/incomplete/<id>.<ext> and are
// renamed into <root>/<backend>/<id>.<ext> only once complete, so a crash
// mid-download can never be mistaken for a valid entry. Committed files are
// immutable and trusted without re-verification; the store never evicts.
package cache
