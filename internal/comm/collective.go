package comm

import "context"

// MaxInt returns the maximum of v over all ranks.
func (c *Comm) MaxInt(ctx context.Context, v int64) (int64, error) {
	c.Begin()
	for to := 0; to < c.peers; to++ {
		c.Pack(to).PutInt(v)
	}
	if err := c.Send(ctx); err != nil {
		return 0, err
	}
	max := v
	err := c.Drain(ctx, func(_ int, r *Reader) error {
		if x := r.Int(); x > max {
			max = x
		}
		return nil
	})
	return max, err
}

// SumInt returns the sum of v over all ranks.
func (c *Comm) SumInt(ctx context.Context, v int64) (int64, error) {
	c.Begin()
	for to := 0; to < c.peers; to++ {
		c.Pack(to).PutInt(v)
	}
	if err := c.Send(ctx); err != nil {
		return 0, err
	}
	var sum int64
	err := c.Drain(ctx, func(_ int, r *Reader) error {
		sum += r.Int()
		return nil
	})
	return sum, err
}

// ExscanInt returns the sum of v over ranks below this one; rank 0 gets 0.
func (c *Comm) ExscanInt(ctx context.Context, v int64) (int64, error) {
	c.Begin()
	for to := c.self + 1; to < c.peers; to++ {
		c.Pack(to).PutInt(v)
	}
	if err := c.Send(ctx); err != nil {
		return 0, err
	}
	var sum int64
	err := c.Drain(ctx, func(_ int, r *Reader) error {
		sum += r.Int()
		return nil
	})
	return sum, err
}
