package utils

// JobsPool bounds the number of goroutines working at the same time
type JobsPool struct {
	jobs chan struct{}
}

// Get blocks until a slot is available
func (p *JobsPool) Get() {
	<-p.jobs
}

// Put returns the slot taken with Get
func (p *JobsPool) Put() {
	p.jobs <- struct{}{}
}

func NewJobPool(size int) (j *JobsPool) {
	if size <= 0 {
		size = 1
	}
	j = &JobsPool{jobs: make(chan struct{}, size)}
	for range size {
		j.jobs <- struct{}{}
	}
	return j
}
