package marker

// ArrayStepper decides how a large array's scan is cut into independently
// stealable chunks. Chunk size bounds the cost of one task so a worker
// never sits on a huge array while its peers idle; the chunking threshold
// keeps small arrays as one task to avoid continuation churn.
//
// The sizing policy is deliberately a tunable, not a fixed formula: both
// knobs come from configuration and default to MinChunking=1024,
// ChunkSize=512 elements.
type ArrayStepper struct {
	// MinChunking is the smallest array length that gets chunked. Arrays at
	// or below it are scanned as one task.
	MinChunking int

	// ChunkSize is the number of elements claimed per continuation task.
	ChunkSize int
}

// Step describes one claimed chunk and how many follow-up continuations to
// publish for the remainder.
type Step struct {
	Start, End int
	// Push is the number of continuation tasks to enqueue before scanning
	// the claimed chunk. Publishing up to two lets the task population grow
	// while lots of the array remains, which is what makes partial progress
	// stealable.
	Push int
}

// ShouldChunk reports whether an array of the given length warrants
// splitting.
func (st *ArrayStepper) ShouldChunk(length int) bool {
	if asserts && (st.MinChunking < 1 || st.ChunkSize < 1) {
		panic("gc: array stepper with non-positive tunables")
	}
	return length > st.MinChunking
}

// Next claims the next chunk of s. A Start>=End result means the array was
// already fully claimed by other workers and the caller's continuation
// simply retires.
func (st *ArrayStepper) Next(s *PartialArrayState) Step {
	start := int(s.cursor.Add(int64(st.ChunkSize))) - st.ChunkSize
	if start >= s.length {
		return Step{Start: start, End: start}
	}
	end := start + st.ChunkSize
	if end > s.length {
		end = s.length
	}
	// remaining is a lower bound: concurrent claims only shrink it, and a
	// continuation that finds nothing left retires harmlessly.
	remaining := s.length - end
	step := Step{Start: start, End: end}
	if remaining > 0 {
		step.Push = 1
		if remaining > st.ChunkSize {
			step.Push = 2
		}
	}
	return step
}
