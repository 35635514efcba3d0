package decision

// Chunk splits items into consecutive groups of at most size elements.
// A non-positive size yields a single group.
func Chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 || size >= len(items) {
		return [][]T{append([]T(nil), items...)}
	}

	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, append([]T(nil), items[start:end]...))
	}
	return out
}

// EstimateSequential is the cost of n items processed one after another
func EstimateSequential(n int, perItemSeconds float64) float64 {
	if n <= 0 {
		return 0
	}
	return float64(n) * perItemSeconds
}

// EstimateBatches sums batch estimates per method and combines them
// assuming the two methods run concurrently against the device.
func EstimateBatches(batches []BatchGroup) PerformanceEstimate {
	var est PerformanceEstimate
	for _, b := range batches {
		switch b.Method {
		case MethodRedfish:
			est.RedfishSeconds += b.EstimatedSeconds
		case MethodVendor:
			est.VendorSeconds += b.EstimatedSeconds
		}
	}
	est.SequentialSeconds = est.RedfishSeconds + est.VendorSeconds
	est.CombinedSeconds = est.RedfishSeconds
	if est.VendorSeconds > est.CombinedSeconds {
		est.CombinedSeconds = est.VendorSeconds
	}
	return est
}

// redfishBatchSize picks the batch size so that at most maxBatches Redfish
// batches are formed, honouring maxSize when that does not exceed the cap.
func redfishBatchSize(n int, l Limits) int {
	size := l.MaxRedfishBatchSize
	if size <= 0 || size > n {
		size = n
	}
	if l.MaxRedfishBatches > 0 {
		batches := (n + size - 1) / size
		if batches > l.MaxRedfishBatches {
			size = (n + l.MaxRedfishBatches - 1) / l.MaxRedfishBatches
		}
	}
	return size
}

func planRedfish(names []string, settings map[string]string, p *Profile, l Limits) []BatchGroup {
	if len(names) == 0 {
		return nil
	}
	var out []BatchGroup
	for _, group := range Chunk(names, redfishBatchSize(len(names), l)) {
		out = append(out, newBatch(MethodRedfish, group, settings, p.Timing.RedfishSecondsPerBatch, false))
	}
	return out
}

func planVendor(names []string, settings map[string]string, p *Profile, l Limits, unknown bool) []BatchGroup {
	var out []BatchGroup
	for _, group := range Chunk(names, l.VendorMaxPerInvocation) {
		cost := EstimateSequential(len(group), p.Timing.VendorSecondsPerSetting)
		out = append(out, newBatch(MethodVendor, group, settings, cost, unknown))
	}
	return out
}

func newBatch(m Method, names []string, settings map[string]string, seconds float64, unknown bool) BatchGroup {
	members := make(map[string]string, len(names))
	for _, n := range names {
		members[n] = settings[n]
	}
	return BatchGroup{
		Method:           m,
		Names:            names,
		Settings:         members,
		EstimatedSeconds: seconds,
		Unknown:          unknown,
	}
}
