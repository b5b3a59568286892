package sender

// Stats is a point-in-time snapshot of the sender's telemetry.
type Stats struct {
	SentVideoFrames    int64  `json:"sentVideoFrames"`
	SentAudioFrames    int64  `json:"sentAudioFrames"`
	DroppedVideoFrames int64  `json:"droppedVideoFrames"`
	DroppedAudioFrames int64  `json:"droppedAudioFrames"`
	BytesSent          int64  `json:"bytesSent"`
	SendErrors         int64  `json:"sendErrors"`
	Bitrate            uint64 `json:"bitrate"`
	AverageBitrate     uint64 `json:"averageBitrate"`
	QueueLen           int    `json:"queueLen"`
	QueueCapacity      int    `json:"queueCapacity"`
}

// Stats returns a snapshot of all counters.
func (s *Sender) Stats() Stats {
	size, remaining := s.queue.occupancy()
	return Stats{
		SentVideoFrames:    s.sentVideo.Load(),
		SentAudioFrames:    s.sentAudio.Load(),
		DroppedVideoFrames: s.droppedVideo.Load(),
		DroppedAudioFrames: s.droppedAudio.Load(),
		BytesSent:          s.bytesSent.Load(),
		SendErrors:         s.sendErrors.Load(),
		Bitrate:            s.lastBitrate.Load(),
		AverageBitrate:     s.bitrate.Average(),
		QueueLen:           size,
		QueueCapacity:      size + remaining,
	}
}

func (s *Sender) SentVideoFrames() int64    { return s.sentVideo.Load() }
func (s *Sender) SentAudioFrames() int64    { return s.sentAudio.Load() }
func (s *Sender) DroppedVideoFrames() int64 { return s.droppedVideo.Load() }
func (s *Sender) DroppedAudioFrames() int64 { return s.droppedAudio.Load() }
func (s *Sender) BytesSent() int64          { return s.bytesSent.Load() }

// Bitrate returns the most recent bits-per-second sample.
func (s *Sender) Bitrate() uint64 { return s.lastBitrate.Load() }

func (s *Sender) ResetSentVideoFrames()    { s.sentVideo.Store(0) }
func (s *Sender) ResetSentAudioFrames()    { s.sentAudio.Store(0) }
func (s *Sender) ResetDroppedVideoFrames() { s.droppedVideo.Store(0) }
func (s *Sender) ResetDroppedAudioFrames() { s.droppedAudio.Store(0) }
func (s *Sender) ResetBytesSent()          { s.bytesSent.Store(0) }

func (s *Sender) resetCounters() {
	s.sentVideo.Store(0)
	s.sentAudio.Store(0)
	s.droppedVideo.Store(0)
	s.droppedAudio.Store(0)
	s.bytesSent.Store(0)
	s.sendErrors.Store(0)
	s.lastBitrate.Store(0)
}
