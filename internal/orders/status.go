package orders

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusFulfilled  Status = "fulfilled"
	StatusCancelled  Status = "cancelled"
)

// pending exists only inside the placement transaction; a committed order is
// never observable in it.
var validNext = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true},
	StatusProcessing: {StatusFulfilled: true, StatusCancelled: true},
	StatusFulfilled:  {},
	StatusCancelled:  {},
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentFailed   PaymentStatus = "failed"
)

var validNextPayment = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentUnpaid:   {PaymentPaid: true, PaymentFailed: true},
	PaymentPaid:     {PaymentRefunded: true},
	PaymentRefunded: {},
	PaymentFailed:   {PaymentPaid: true}, // retried charge
}

func (s PaymentStatus) Valid() bool {
	_, ok := validNextPayment[s]
	return ok
}

func CanTransitionPayment(from, to PaymentStatus) bool {
	return validNextPayment[from][to]
}
