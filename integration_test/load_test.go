package integration

import (
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/rcrowley/go-metrics"

	"github.com/skipor/evictor/testutil"
)

const (
	accountsNum     = 256
	initialBalance  = 1000
	indexStddev     = accountsNum / 2 // Index normal distribution parameter.
	depositP        = 0.1
	transferP       = 0.3
	clientsNum      = 8
	totalRequests   = 4000
	maxDepositValue = 10
)

// LoadTest creates accounts and runs concurrent clients against s.
// Returns expected total balance.
func LoadTest(s *Server) int64 {
	prevMaxProcs := runtime.GOMAXPROCS(runtime.NumCPU())
	defer runtime.GOMAXPROCS(prevMaxProcs)

	total := int64(accountsNum * initialBalance)
	By("Create accounts.")
	for i := 0; i < accountsNum; i++ {
		status, err := s.Do("PUT", "/accounts/"+AccountName(i), Account{Balance: initialBalance}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(http.StatusCreated))
	}

	start := &sync.WaitGroup{}
	start.Add(clientsNum)
	finish := &sync.WaitGroup{}
	finish.Add(clientsNum)

	var requests int32
	Next := func() bool { return atomic.AddInt32(&requests, 1) <= totalRequests }
	// AccountIndex returns random normally distributed index.
	AccountIndex := func(r *rand.Rand) (index int) {
		index = accountsNum
		var try int
		const maxTry = 5
		for index >= accountsNum {
			index = int(math.Abs(r.NormFloat64() * indexStddev))
			try++
			if try > maxTry {
				Fail("Account index too many tries. Make stddev smaller, it should help.")
			}
		}
		return
	}

	registry := metrics.NewRegistry()
	getTimer := metrics.NewRegisteredTimer("get", registry)
	depositTimer := metrics.NewRegisteredTimer("deposit", registry)
	transferTimer := metrics.NewRegisteredTimer("transfer", registry)
	insufficientCounter := metrics.NewRegisteredCounter("err.insufficient", registry)
	retryableCounter := metrics.NewRegisteredCounter("err.retryable", registry)
	var deposited int64

	for i := 0; i < clientsNum; i++ {
		client := i
		Rand := rand.New(rand.NewSource(testutil.Rand.Int63()))
		go func() {
			defer GinkgoRecover()
			start.Done()
			start.Wait()
			defer func() {
				testutil.Byf("Client %v done.", client)
				finish.Done()
			}()
			var (
				status int
				err    error
			)
			for Next() {
				name := AccountName(AccountIndex(Rand))
				p := Rand.Float64()
				switch {
				case p <= depositP:
					amount := int64(Rand.Intn(maxDepositValue) + 1)
					depositTimer.Time(func() {
						status, err = s.Do("POST", "/accounts/"+name+"/deposit", AmountRequest{Amount: amount}, nil)
					})
					if err == nil && status == http.StatusOK {
						atomic.AddInt64(&deposited, amount)
					}
				case p <= depositP+transferP:
					to := AccountName(AccountIndex(Rand))
					if to == name {
						continue
					}
					req := AmountRequest{Amount: int64(Rand.Intn(initialBalance/10) + 1), To: to}
					transferTimer.Time(func() {
						status, err = s.Do("POST", "/accounts/"+name+"/transfer", req, nil)
					})
				default:
					getTimer.Time(func() {
						status, err = s.Do("GET", "/accounts/"+name, nil, nil)
					})
				}
				Expect(err).NotTo(HaveOccurred())
				switch status {
				case http.StatusOK:
				case http.StatusUnprocessableEntity:
					insufficientCounter.Inc(1)
				case http.StatusServiceUnavailable:
					retryableCounter.Inc(1)
				default:
					Fail(fmt.Sprintf("Client %v unexpected status %v.", client, status))
				}
			}
		}()
	}

	logging := &sync.WaitGroup{}
	logging.Add(1)
	go func() {
		defer GinkgoRecover()
		tick := time.NewTicker(time.Second / 2)
		defer func() {
			tick.Stop()
			logging.Done()
		}()
		for ; ; <-tick.C {
			req := atomic.LoadInt32(&requests)
			if req < totalRequests {
				fmt.Fprintf(GinkgoWriter, "%v%% requests done.\n", req*100/totalRequests)
				continue
			}
			break
		}
	}()
	finish.Wait()
	logging.Wait()
	By("Test stats. Time units is nanos.")
	metrics.WriteOnce(registry, GinkgoWriter)
	fmt.Fprintf(GinkgoWriter, "%.2f%% transfers failed on insufficient funds.\n",
		float64(insufficientCounter.Count()*100)/float64(transferTimer.Count()))
	fmt.Fprintf(GinkgoWriter, "%v requests given up after retries.\n", retryableCounter.Count())
	total += atomic.LoadInt64(&deposited)
	Expect(TotalBalance(s)).To(Equal(total))
	return total
}

// TotalBalance sums balances of all accounts.
func TotalBalance(s *Server) (total int64) {
	for i := 0; i < accountsNum; i++ {
		var acc Account
		status, err := s.Do("GET", "/accounts/"+AccountName(i), nil, &acc)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(http.StatusOK))
		total += acc.Balance
	}
	return
}
