package bolt11

// Rounding policy for milli-satoshi conversion, used by every comparison in
// the module: amounts a payer has provided round DOWN to whole satoshis, and
// amounts a payer owes convert exactly from satoshis. The asymmetry means a
// conversion can never credit the payer with more than was received, nor
// charge less than was required.

// MilliSatToSat converts a received milli-satoshi amount to whole satoshis,
// rounding down.
func MilliSatToSat(msat uint64) uint64 {
	return msat / 1000
}

// SatToMilliSat converts a required satoshi amount to milli-satoshis.
// The second return is false if the amount is not representable.
func SatToMilliSat(sat uint64) (uint64, bool) {
	const maxSat = ^uint64(0) / 1000
	if sat > maxSat {
		return 0, false
	}
	return sat * 1000, true
}
