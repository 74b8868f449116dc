/*
maildeliver submits one mail message to a remote LMTP or SMTP server and reports the outcome per recipient.

The target server is either named directly by IP address, or discovered by resolving the MX records of the first
recipient's domain. Per-recipient outcomes are printed to standard output; optionally they are also published to an
AWS SNS topic or SQS queue as JSON events.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dmitrifedorov/maildeliver/lalog"
	"github.com/dmitrifedorov/maildeliver/lmtpclient"
	"github.com/dmitrifedorov/maildeliver/misc"
	"github.com/dmitrifedorov/maildeliver/mxlookup"
	"github.com/dmitrifedorov/maildeliver/notify"
)

var logger = lalog.Logger{ComponentName: "maildeliver"}

func main() {
	var (
		mailFrom     string
		myHostname   string
		recipientCSV string
		hostIP       string
		port         int
		protoName    string
		messagePath  string
		resolverAddr string
		timeoutSec   int
		snsTopic     string
		sqsQueue     string
	)
	flag.StringVar(&mailFrom, "from", "<>", "(Optional) envelope sender, angle brackets included")
	flag.StringVar(&myHostname, "hostname", "", "(Optional) host name announced in the LHLO/EHLO greeting, defaults to the OS host name")
	flag.StringVar(&recipientCSV, "rcpt", "", "(Mandatory) comma-separated list of recipient addresses, without angle brackets")
	flag.StringVar(&hostIP, "host", "", "(Optional) IP address of the destination server; leave empty to resolve the first recipient's MX records instead")
	flag.IntVar(&port, "port", 25, "(Optional) port number of the destination server")
	flag.StringVar(&protoName, "proto", "smtp", "(Optional) protocol to speak: smtp or lmtp")
	flag.StringVar(&messagePath, "file", "", "(Optional) path of the message file, defaults to standard input")
	flag.StringVar(&resolverAddr, "resolver", "", "(Optional) ip:port of the DNS resolver for MX lookups, defaults to resolv.conf")
	flag.IntVar(&timeoutSec, "timeout", 60, "(Optional) timeout in seconds for each network operation")
	flag.StringVar(&snsTopic, "snstopic", "", "(Optional) publish per-recipient delivery outcomes to this AWS SNS topic ARN")
	flag.StringVar(&sqsQueue, "sqsqueue", "", "(Optional) publish per-recipient delivery outcomes to this AWS SQS queue URL")
	flag.BoolVar(&misc.EnableAWSIntegration, "awsinteg", false, "(Optional) activate the points of integration with AWS services (SNS/SQS outcome publishing)")
	flag.BoolVar(&misc.EnablePrometheusIntegration, "prominteg", false, "(Optional) activate the points of integration with prometheus (delivery metrics collection)")
	flag.Parse()

	recipients := splitCSV(recipientCSV)
	if len(recipients) == 0 {
		logger.Abort("", nil, "please provide recipients via -rcpt")
		return
	}
	protocol, err := parseProtocol(protoName)
	if err != nil {
		logger.Abort(protoName, err, "")
		return
	}
	if myHostname == "" {
		if myHostname, err = os.Hostname(); err != nil || myHostname == "" {
			logger.Abort("", err, "failed to determine my own host name, provide one via -hostname")
			return
		}
	}
	message := os.Stdin
	if messagePath != "" {
		if message, err = os.Open(messagePath); err != nil {
			logger.Abort(messagePath, err, "failed to open message file")
			return
		}
		defer message.Close()
	}
	lmtpclient.RegisterPrometheusMetrics()

	hostIPs := []string{hostIP}
	if hostIP == "" {
		if hostIPs, err = resolveMailHostIPs(recipients[0], resolverAddr, timeoutSec); err != nil {
			logger.Abort(recipients[0], err, "failed to resolve a mail exchanger, provide the server address via -host")
			return
		}
	}

	publisher, err := makePublisher(snsTopic, sqsQueue)
	if err != nil {
		logger.Abort("", err, "failed to initialise the outcome publisher")
		return
	}
	recorder := notify.NewRecorder(protocol, mailFrom, publisher)

	client, err := lmtpclient.NewClient(mailFrom, myHostname)
	if err != nil {
		logger.Abort(mailFrom, err, "")
		return
	}
	client.IOTimeout = time.Duration(timeoutSec) * time.Second

	// Each recipient resolves either at a failed RCPT TO or at its delivery outcome.
	var pending sync.WaitGroup
	anyFailed := false
	var failedMutex sync.Mutex
	for _, address := range recipients {
		pending.Add(1)
		resolveOnce := new(sync.Once)
		resolve := func(failed bool) {
			resolveOnce.Do(func() {
				if failed {
					failedMutex.Lock()
					anyFailed = true
					failedMutex.Unlock()
				}
				pending.Done()
			})
		}
		address := address
		rcptTo := func(success bool, line string, ctx interface{}) {
			fmt.Printf("RCPT %s: %s\n", address, line)
			if !success {
				resolve(true)
			}
		}
		data := func(success bool, line string, ctx interface{}) {
			fmt.Printf("DATA %s: %s\n", address, line)
			resolve(!success)
		}
		rcptTo, data = recorder.Watch(address, rcptTo, data)
		client.AddRecipient(address, rcptTo, data, nil)
	}
	client.Send(message)

	// The first usable address is the delivery target; trying further MX hosts would need a fresh message stream.
	if err := client.ConnectTCP(protocol, hostIPs[0], port); err != nil {
		logger.Abort(hostIPs[0], err, "")
		return
	}
	pending.Wait()
	client.Close()
	logger.Info("", nil, "session duration statistics (nanoseconds): %s", lmtpclient.DurationStats.Format(1, 0))
	if anyFailed {
		os.Exit(1)
	}
}

func splitCSV(csv string) []string {
	var fields []string
	for _, field := range strings.Split(csv, ",") {
		if field = strings.TrimSpace(field); field != "" {
			fields = append(fields, field)
		}
	}
	return fields
}

func parseProtocol(name string) (lmtpclient.Protocol, error) {
	switch strings.ToLower(name) {
	case "lmtp":
		return lmtpclient.ProtocolLMTP, nil
	case "smtp":
		return lmtpclient.ProtocolSMTP, nil
	default:
		return 0, fmt.Errorf("unknown protocol name \"%s\"", name)
	}
}

// resolveMailHostIPs turns the first recipient's domain into dialable mail exchanger addresses.
func resolveMailHostIPs(recipient, resolverAddr string, timeoutSec int) ([]string, error) {
	atSign := strings.IndexRune(recipient, '@')
	if atSign == -1 {
		return nil, fmt.Errorf("recipient address \"%s\" must have an at sign", recipient)
	}
	resolver := &mxlookup.Resolver{ResolverAddr: resolverAddr, QueryTimeout: time.Duration(timeoutSec) * time.Second}
	if err := resolver.Initialise(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()
	hosts, err := resolver.Lookup(ctx, recipient[atSign+1:])
	if err != nil {
		return nil, err
	}
	var ips []string
	for _, host := range hosts {
		ips = append(ips, host.IPs...)
	}
	return ips, nil
}

func makePublisher(snsTopic, sqsQueue string) (notify.Publisher, error) {
	if !misc.EnableAWSIntegration || (snsTopic == "" && sqsQueue == "") {
		return nil, nil
	}
	if snsTopic != "" {
		return notify.NewSNSPublisher(snsTopic)
	}
	return notify.NewSQSPublisher(sqsQueue)
}
