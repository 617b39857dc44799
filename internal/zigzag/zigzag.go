// Package zigzag folds signed integers into unsigned ones so the wire layer
// only ever deals with unsigned fixed-width values. Values alternate around
// zero, hence the name:
//
//	      int32 ->     uint32
//	-------------------------
//	          0 ->          0
//	         -1 ->          1
//	          1 ->          2
//	         -2 ->          3
//	        ... ->        ...
//	 2147483647 -> 4294967294
//	-2147483648 -> 4294967295
//
// NOTE(blukai): same transform as valve's tier1/bitbuf.h (and protobuf's
// sint types).
package zigzag

func Encode32(n int32) uint32 {
	return uint32((n << 1) ^ (n >> 31))
}

func Decode32(n uint32) int32 {
	return int32(n>>1) ^ -int32(n&1)
}

func Encode64(n int64) uint64 {
	return uint64((n << 1) ^ (n >> 63))
}

func Decode64(n uint64) int64 {
	return int64(n>>1) ^ -int64(n&1)
}
