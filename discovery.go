package ur_rtde

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	"golang.org/x/sync/errgroup"

	"ur_rtde/robotiq"
	"ur_rtde/rtde"
)

func init() {
	resource.RegisterService(
		discovery.API,
		DiscoveryModel,
		resource.Registration[discovery.Service, *DiscoveryConfig]{
			Constructor: newURDiscovery,
		})
}

// maxConcurrentProbes bounds the TCP probes in flight during a subnet sweep.
const maxConcurrentProbes = 32

// probeFunc reports whether something accepts TCP connections on addr.
type probeFunc func(ctx context.Context, addr string, timeout time.Duration) bool

func tcpProbe(ctx context.Context, addr string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// urDiscovery finds UR controllers on the network and Robotiq grippers on local serial ports.
type urDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger logging.Logger
	cfg    *DiscoveryConfig

	probe       probeFunc
	serialPorts func() []string
	probeSerial func(port string) bool
}

func newURDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*DiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}

	dis := &urDiscovery{
		Named:       conf.ResourceName().AsNamed(),
		logger:      logger,
		cfg:         cfg,
		probe:       tcpProbe,
		serialPorts: enumerateSerialPorts,
	}
	dis.probeSerial = dis.probeSerialGripper
	return dis, nil
}

// DiscoverResources probes the configured hosts and subnet for UR controllers and returns
// arm, telemetry and gripper configurations for each one found. extra["hosts"] adds hosts to
// probe for this call only.
func (dis *urDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting UR discovery")

	// Phase 1: collect candidate hosts
	hosts := append([]string{}, dis.cfg.Hosts...)
	if raw, ok := extra["hosts"].([]any); ok {
		for _, h := range raw {
			if s, ok := h.(string); ok {
				hosts = append(hosts, s)
			}
		}
	}
	if dis.cfg.Subnet != "" {
		subnetHosts, err := expandSubnet(dis.cfg.Subnet)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, subnetHosts...)
	}
	hosts = dedupe(hosts)
	dis.logger.Debugf("Probing %d candidate hosts", len(hosts))

	// Phase 2: probe controllers
	controllers, err := dis.probeControllers(ctx, hosts)
	if err != nil {
		dis.logger.Info("Discovery cancelled")
		return nil, err
	}

	// Phase 3: generate configs per controller
	var allConfigs []resource.Config
	for _, c := range controllers {
		allConfigs = append(allConfigs, generateConfigs(c.host, c.nativeGripper)...)
	}

	// Phase 4: serial grippers
	if !dis.cfg.SkipSerial {
		candidates := filterCandidatePorts(dis.serialPorts())
		dis.logger.Debugf("Filtered to %d candidate serial ports", len(candidates))
		for _, port := range candidates {
			select {
			case <-ctx.Done():
				dis.logger.Info("Discovery cancelled")
				return allConfigs, ctx.Err()
			default:
			}
			if dis.probeSerial(port) {
				dis.logger.Infof("Discovered Robotiq gripper on %s", port)
				allConfigs = append(allConfigs, serialGripperConfig(port))
			}
		}
	}

	if len(allConfigs) == 0 {
		dis.logger.Info("No UR controllers or Robotiq grippers discovered")
	} else {
		dis.logger.Infof("Discovered %d component configurations", len(allConfigs))
	}
	return allConfigs, nil
}

type discoveredController struct {
	host          string
	nativeGripper bool
}

// probeControllers returns the hosts that accept RTDE connections, in input order.
func (dis *urDiscovery) probeControllers(ctx context.Context, hosts []string) ([]discoveredController, error) {
	timeout := dis.cfg.ProbeTimeout()
	found := make([]*discoveredController, len(hosts))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for i, host := range hosts {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if !dis.probe(gctx, net.JoinHostPort(host, strconv.Itoa(rtde.DefaultRTDEPort)), timeout) {
				return nil
			}
			c := &discoveredController{
				host:          host,
				nativeGripper: dis.probe(gctx, net.JoinHostPort(host, strconv.Itoa(robotiq.DefaultNativePort)), timeout),
			}
			dis.logger.Infof("Discovered UR controller at %s (native gripper: %v)", host, c.nativeGripper)
			mu.Lock()
			found[i] = c
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var controllers []discoveredController
	for _, c := range found {
		if c != nil {
			controllers = append(controllers, *c)
		}
	}
	return controllers, nil
}

// probeSerialGripper opens port and reads the gripper status registers.
func (dis *urDiscovery) probeSerialGripper(port string) bool {
	g, err := robotiq.OpenSerial(port, dis.logger)
	if err != nil {
		dis.logger.Debugf("Failed to open port %s: %v", port, err)
		return false
	}
	defer g.Disconnect()

	if _, err := g.Status(); err != nil {
		dis.logger.Debugf("No Robotiq gripper on %s: %v", port, err)
		return false
	}
	return true
}

// hostSuffix turns a host into a name-safe suffix: 192.168.1.10 -> 192-168-1-10.
func hostSuffix(host string) string {
	return strings.NewReplacer(".", "-", ":", "-").Replace(host)
}

// generateConfigs creates component configurations for a discovered controller
func generateConfigs(host string, nativeGripper bool) []resource.Config {
	suffix := hostSuffix(host)
	configs := []resource.Config{
		{
			Name:       "ur-arm-" + suffix,
			API:        arm.API,
			Model:      ArmModel,
			Attributes: map[string]interface{}{"host": host},
		},
		{
			Name:       "ur-telemetry-" + suffix,
			API:        sensor.API,
			Model:      TelemetryModel,
			Attributes: map[string]interface{}{"host": host},
		},
	}

	// Without the URCap socket the gripper can still be driven by URScript.
	backend := BackendURScript.String()
	if nativeGripper {
		backend = BackendNative.String()
	}
	configs = append(configs, resource.Config{
		Name:  "robotiq-gripper-" + suffix,
		API:   gripper.API,
		Model: GripperModel,
		Attributes: map[string]interface{}{
			"host":    host,
			"backend": backend,
		},
	})
	return configs
}

func serialGripperConfig(port string) resource.Config {
	return resource.Config{
		Name:  "robotiq-gripper-" + extractPortSuffix(port),
		API:   gripper.API,
		Model: GripperModel,
		Attributes: map[string]interface{}{
			"backend":     BackendSerial.String(),
			"serial_port": port,
		},
	}
}

// expandSubnet lists the host addresses of an IPv4 CIDR range, without the network and
// broadcast addresses.
func expandSubnet(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}
	ip = ip.Mask(ipnet.Mask).To4()
	if ip == nil {
		return []string{}, nil
	}

	var hosts []string
	for cur := ip; ipnet.Contains(cur); cur = nextIP(cur) {
		hosts = append(hosts, cur.String())
	}
	if len(hosts) > 2 {
		hosts = hosts[1 : len(hosts)-1]
	}
	return hosts, nil
}

func nextIP(ip net.IP) net.IP {
	next := make(net.IP, len(ip))
	copy(next, ip)
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}

func dedupe(hosts []string) []string {
	seen := make(map[string]bool, len(hosts))
	out := []string{}
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}

// filterCandidatePorts filters serial ports by platform-specific naming patterns
func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

// isCandidatePort checks if a port looks like a USB to RS-485 adapter
func isCandidatePort(port string) bool {
	// Linux: /dev/ttyUSB*, /dev/ttyACM*
	if strings.HasPrefix(port, "/dev/ttyUSB") || strings.HasPrefix(port, "/dev/ttyACM") {
		return true
	}
	// macOS: /dev/tty.usbserial*, /dev/cu.usbserial*, /dev/tty.usbmodem*, /dev/cu.usbmodem*
	if strings.HasPrefix(port, "/dev/tty.usbmodem") || strings.HasPrefix(port, "/dev/tty.usbserial") || strings.HasPrefix(port, "/dev/cu.usbmodem") || strings.HasPrefix(port, "/dev/cu.usbserial") {
		return true
	}
	// Windows: COM*
	return strings.HasPrefix(port, "COM")
}

// extractPortSuffix extracts a friendly suffix from port path for naming
// /dev/ttyUSB0 -> "ttyUSB0"
// /dev/tty.usbserial-A1 -> "usbserial-A1"
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)
	if strings.HasPrefix(base, "tty.usb") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.usb") {
		return strings.TrimPrefix(base, "cu.")
	}
	return base
}

// enumerateSerialPorts returns a list of all serial ports on the system
func enumerateSerialPorts() []string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return []string{}
	}

	var portPaths []string
	for _, port := range ports {
		portPaths = append(portPaths, port.Name)
	}
	return portPaths
}
