package rc

import "errors"

// Progress polls the receive queue and, only when it was empty, the send
// completion queue. It returns the number of completions handled. The only
// errors are fatal ones, and once one occurred every call returns it.
func (i *Iface) Progress() (int, error) {
	if err := i.checkUsable(); err != nil {
		return 0, err
	}

	n, err := i.pollRX()
	if errors.Is(err, ErrNoProgress) {
		return i.pollTX()
	}

	return n, err
}

// Flush reports whether every endpoint has all its sends completed. It
// returns ErrInProgress while any send is outstanding.
func (i *Iface) Flush() error {
	if err := i.checkUsable(); err != nil {
		return err
	}

	inProgress := false

	for _, ep := range i.endpoints {
		err := ep.Flush()

		switch {
		case errors.Is(err, ErrInProgress), errors.Is(err, ErrNoResource):
			inProgress = true
		case err != nil:
			return err
		}
	}

	if inProgress {
		return ErrInProgress
	}

	return nil
}
