package upload

// TransportCeiling is the hard per-request body limit of the intermediary
// network path. Any single HTTP request must stay under it.
const TransportCeiling = 100 << 20

const mb = 1 << 20

// Plan is the chunking decision for one upload.
type Plan struct {
	Chunked    bool
	ChunkSize  int64
	ChunkCount int
}

// PlanChunking decides whether a transfer must be split and picks the chunk
// size from a size-tiered table. Chunking is mandatory above the transport
// ceiling and is also forced for ModeZipWithQR regardless of size, since that
// mode benefits from parallel transmission.
func PlanChunking(totalBytes int64, mode Mode) (Plan, error) {
	if totalBytes <= 0 {
		return Plan{}, validationErrorf("invalid upload size %d bytes", totalBytes)
	}

	if totalBytes <= TransportCeiling && mode != ModeZipWithQR {
		return Plan{Chunked: false, ChunkSize: totalBytes, ChunkCount: 1}, nil
	}

	size := chunkSizeFor(totalBytes)
	count := int((totalBytes + size - 1) / size)
	return Plan{Chunked: true, ChunkSize: size, ChunkCount: count}, nil
}

// chunkSizeFor bounds chunk count for large files and per-chunk memory for
// small ones.
func chunkSizeFor(totalBytes int64) int64 {
	switch {
	case totalBytes <= 100*mb:
		return 5 * mb
	case totalBytes <= 500*mb:
		return 10 * mb
	case totalBytes <= 1000*mb:
		return 20 * mb
	case totalBytes <= 2000*mb:
		return 30 * mb
	case totalBytes <= 4000*mb:
		return 40 * mb
	default:
		return 50 * mb
	}
}
