package rc

// MetricHook receives transport events. Implementations must be cheap;
// they are called from the progress path.
type MetricHook interface {
	RxPosted(iface string, n int)
	RxCompleted(iface string, n int)
	TxCompleted(iface string, n int)
	SendPosted(iface, op string)
	Fatal(iface, op string)
}

type nopMetrics struct{}

func (nopMetrics) RxPosted(string, int) {}

func (nopMetrics) RxCompleted(string, int) {}

func (nopMetrics) TxCompleted(string, int) {}

func (nopMetrics) SendPosted(string, string) {}

func (nopMetrics) Fatal(string, string) {}
