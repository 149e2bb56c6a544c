package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/TecharoHQ/challengegate/lib/policy/config"

	"sigs.k8s.io/yaml"
)

var (
	inputFile     = flag.String("input", "", "path to robots.txt file (use - for stdin)")
	outputFile    = flag.String("output", "", "output file path (use - for stdout, defaults to stdout)")
	outputFormat  = flag.String("format", "yaml", "output format: yaml or json")
	baseAction    = flag.String("action", "CHALLENGE", "default action for disallowed paths: ALLOW, DENY, CHALLENGE")
	crawlDelay    = flag.Bool("crawl-delay", true, "turn Crawl-delay directives into RATE_LIMIT rules")
	globalLimit   = flag.Int("global-limit", 60, "requests per minute allowed when robots.txt disallows everything for every user agent")
	policyName    = flag.String("name", "robots-txt-policy", "name prefix for the generated rules")
	userAgentDeny = flag.String("deny-user-agents", "DENY", "action for specifically blocked user agents: DENY, CHALLENGE")
	helpFlag      = flag.Bool("help", false, "show help")
)

type RobotsRule struct {
	UserAgent   string
	Disallows   []string
	Allows      []string
	CrawlDelay  int
	IsBlacklist bool // true if this is a specifically denied user agent
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "%s [options] -input <robots.txt>\n\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintln(os.Stderr, "\nExamples:")
		fmt.Fprintln(os.Stderr, "  # Convert local robots.txt file")
		fmt.Fprintln(os.Stderr, "  robots2policy -input robots.txt -output rules.yaml")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "  # Convert from URL")
		fmt.Fprintln(os.Stderr, "  robots2policy -input https://example.com/robots.txt -format json")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "  # Read from stdin, write to stdout")
		fmt.Fprintln(os.Stderr, "  curl https://example.com/robots.txt | robots2policy -input -")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "The output is a list of rules meant to be pulled into a policy with an import statement.")
		os.Exit(2)
	}
}

func main() {
	flag.Parse()

	if len(flag.Args()) > 0 || *helpFlag || *inputFile == "" {
		flag.Usage()
	}

	var input io.Reader
	if *inputFile == "-" {
		input = os.Stdin
	} else if strings.HasPrefix(*inputFile, "http://") || strings.HasPrefix(*inputFile, "https://") {
		resp, err := http.Get(*inputFile)
		if err != nil {
			log.Fatalf("failed to fetch robots.txt from URL: %v", err)
		}
		defer resp.Body.Close()
		input = resp.Body
	} else {
		file, err := os.Open(*inputFile)
		if err != nil {
			log.Fatalf("failed to open input file: %v", err)
		}
		defer file.Close()
		input = file
	}

	rules, err := parseRobotsTxt(input)
	if err != nil {
		log.Fatalf("failed to parse robots.txt: %v", err)
	}

	policyRules := convertToPolicyRules(rules)
	if len(policyRules) == 0 {
		log.Fatal("no valid rules generated from robots.txt - file may be empty or contain no disallow directives")
	}

	output, err := render(policyRules, *outputFormat)
	if err != nil {
		log.Fatal(err)
	}

	if *outputFile == "" || *outputFile == "-" {
		fmt.Print(string(output))
	} else {
		err = os.WriteFile(*outputFile, output, 0644)
		if err != nil {
			log.Fatalf("failed to write output file: %v", err)
		}
		fmt.Printf("Generated rules written to %s\n", *outputFile)
	}
}

func render(rules []config.RuleConfig, format string) ([]byte, error) {
	var output []byte
	var err error

	switch strings.ToLower(format) {
	case "yaml":
		output, err = yaml.Marshal(rules)
	case "json":
		output, err = json.MarshalIndent(rules, "", "  ")
	default:
		return nil, fmt.Errorf("unsupported output format: %s (use yaml or json)", format)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to marshal output: %w", err)
	}

	return output, nil
}

func parseRobotsTxt(input io.Reader) ([]RobotsRule, error) {
	scanner := bufio.NewScanner(input)
	var rules []RobotsRule
	var currentRule *RobotsRule

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if idx := strings.Index(line, "#"); idx != -1 {
			line = strings.TrimSpace(line[:idx])
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}

		directive := strings.TrimSpace(strings.ToLower(parts[0]))
		value := strings.TrimSpace(parts[1])

		switch directive {
		case "user-agent":
			if currentRule != nil {
				rules = append(rules, *currentRule)
			}
			currentRule = &RobotsRule{
				UserAgent: value,
				Disallows: make([]string, 0),
				Allows:    make([]string, 0),
			}

		case "disallow":
			if currentRule != nil && value != "" {
				currentRule.Disallows = append(currentRule.Disallows, value)
			}

		case "allow":
			if currentRule != nil && value != "" {
				currentRule.Allows = append(currentRule.Allows, value)
			}

		case "crawl-delay":
			if currentRule != nil {
				if delay, err := strconv.ParseFloat(value, 64); err == nil && delay > 0 {
					currentRule.CrawlDelay = int(delay + 0.999)
				}
			}
		}
	}

	if currentRule != nil {
		rules = append(rules, *currentRule)
	}

	// Mark blacklisted user agents (those with "Disallow: /")
	for i := range rules {
		for _, disallow := range rules[i].Disallows {
			if disallow == "/" {
				rules[i].IsBlacklist = true
				break
			}
		}
	}

	return rules, scanner.Err()
}

// convertToPolicyRules turns robots.txt groups into gate rules. Path and
// user agent rules come first; rate limits go last since the first matching
// rule wins.
func convertToPolicyRules(robotsRules []RobotsRule) []config.RuleConfig {
	var rules, limits []config.RuleConfig
	ruleCounter := 0

	for _, robotsRule := range robotsRules {
		userAgent := robotsRule.UserAgent

		if robotsRule.CrawlDelay > 0 && *crawlDelay {
			ruleCounter++
			rule := config.RuleConfig{
				Name:   fmt.Sprintf("%s-crawl-delay-%d", *policyName, ruleCounter),
				Action: config.RuleRateLimit,
				Limit:  1,
				Window: config.Duration(time.Duration(robotsRule.CrawlDelay) * time.Second),
			}
			matchUserAgent(&rule, userAgent)
			limits = append(limits, rule)
		}

		if robotsRule.IsBlacklist {
			ruleCounter++
			rule := config.RuleConfig{
				Name:   fmt.Sprintf("%s-blacklist-%d", *policyName, ruleCounter),
				Action: config.Rule(*userAgentDeny),
			}

			if userAgent == "*" {
				// Blocking everyone would take the site down, slow them down instead.
				rule.Name = fmt.Sprintf("%s-global-restriction-%d", *policyName, ruleCounter)
				rule.Action = config.RuleRateLimit
				rule.Limit = *globalLimit
				rule.Window = config.Duration(time.Minute)
				matchUserAgent(&rule, userAgent)
				limits = append(limits, rule)
				continue
			}

			matchUserAgent(&rule, userAgent)
			rules = append(rules, rule)
			continue
		}

		for _, disallow := range robotsRule.Disallows {
			ruleCounter++
			pathRegex := buildPathRegex(disallow)
			rule := config.RuleConfig{
				Name:      fmt.Sprintf("%s-disallow-%d", *policyName, ruleCounter),
				Action:    config.Rule(*baseAction),
				PathRegex: &pathRegex,
			}

			if userAgent != "*" {
				rule.HeadersRegex = map[string]string{"User-Agent": userAgentRegex(userAgent)}
			}

			rules = append(rules, rule)
		}
	}

	return append(rules, limits...)
}

func matchUserAgent(rule *config.RuleConfig, userAgent string) {
	if userAgent == "*" {
		everything := ".*"
		rule.PathRegex = &everything
		return
	}

	rule.HeadersRegex = map[string]string{"User-Agent": userAgentRegex(userAgent)}
}

func userAgentRegex(userAgent string) string {
	return "(?i)" + regexp.QuoteMeta(userAgent)
}

// buildPathRegex converts a robots.txt path pattern to an anchored regex.
// "*" matches any run of characters and a trailing "$" anchors the end.
func buildPathRegex(robotsPath string) string {
	anchored := strings.HasSuffix(robotsPath, "$")
	robotsPath = strings.TrimSuffix(robotsPath, "$")

	regex := regexp.QuoteMeta(robotsPath)
	regex = strings.ReplaceAll(regex, `\*`, `.*`)
	regex = "^" + regex
	if anchored {
		regex += "$"
	}

	return regex
}
