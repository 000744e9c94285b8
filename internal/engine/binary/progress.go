package binary

import "io"

// progressReader wraps an io.Reader and reports cumulative progress via a
// callback every reportInterval bytes.
type progressReader struct {
	reader         io.Reader
	total          int64
	onProgress     func(written, total int64)
	totalRead      int64
	sinceReport    int64
	reportInterval int64
}

func newProgressReader(r io.Reader, offset, total, interval int64, cb func(written, total int64)) *progressReader {
	return &progressReader{
		reader:         r,
		total:          total,
		totalRead:      offset,
		onProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.sinceReport += int64(n)

		if pr.sinceReport >= pr.reportInterval {
			pr.onProgress(pr.totalRead, pr.total)
			pr.sinceReport = 0
		}
	}

	return n, err
}
