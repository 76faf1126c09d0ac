// Package bitbuf provides a bit-precision binary buffer used for all gamenet
// wire encoding.
//
// A Buffer has independent read and write cursors measured in bits. Values are
// packed least-significant bit first, so a value written with N bits occupies
// exactly N bits on the wire regardless of byte boundaries:
//
//	byte 0           byte 1
//	┌─┬─┬─┬─┬─┬─┬─┬─┐┌─┬─┬─┬─┬─┬─┬─┬─┐
//	│0│1│2│3│4│5│6│7││8│9│ …
//	└─┴─┴─┴─┴─┴─┴─┴─┘└─┴─┴─┴─┴─┴─┴─┴─┘
//	  bit index (LSB first)
//
// # Errors
//
// Reads never panic. Reading beyond the written region sets a sticky error
// flag; subsequent reads are no-ops returning zero values. Callers decode a
// batch of fields and check IsValid once at the end:
//
//	b := bitbuf.FromBytes(payload)
//	kind := b.ReadInt(4)
//	x := b.ReadSignedFloat(16)
//	name := b.ReadString()
//	if !b.IsValid() {
//	    return b.Err()
//	}
//
// A Buffer is single-owner and not safe for concurrent use.
package bitbuf
