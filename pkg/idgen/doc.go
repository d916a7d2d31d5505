// Package idgen generates sonyflake-backed ids for the two places this
// repository needs a globally unique, time-ordered — but not
// necessarily dense — identifier: command-channel transfer ids and
// replacement correlation ids.
//
//	gen := idgen.Default()
//	transferID, err := gen.NextID()
//
//	corrID, err := gen.NextCorrelationID()
//	// corrID: "replace-1234567890"
package idgen
