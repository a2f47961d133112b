// Command simulator plays one or more devices against the service over
// MQTT: it registers each device, reports measurements periodically and
// prints every command it receives.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type envelope struct {
	Type        string `json:"type"`
	DeviceToken string `json:"deviceToken"`
	Originator  string `json:"originator,omitempty"`
	Request     any    `json:"request,omitempty"`
}

type registrationRequest struct {
	SpecificationToken string `json:"specificationToken"`
	SiteToken          string `json:"siteToken,omitempty"`
}

type measurementsRequest struct {
	Measurements map[string]float64 `json:"measurements"`
	EventDate    time.Time          `json:"eventDate"`
}

type device struct {
	Token    string
	Interval time.Duration
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	username := flag.String("username", "", "MQTT username")
	password := flag.String("password", "", "MQTT password")
	spec := flag.String("spec", "sensor-v1", "specification token sent at registration")
	site := flag.String("site", "", "site token sent at registration")
	count := flag.Int("devices", 2, "number of simulated devices")
	interval := flag.Duration("interval", 5*time.Second, "measurement interval")
	mode := flag.String("mode", "continuous", "run mode: single, continuous")
	flag.Parse()

	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("device-simulator-%d", time.Now().Unix()))
	if *username != "" {
		opts.SetUsername(*username)
		opts.SetPassword(*password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("connection lost: %v\n", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("failed to connect to %s: %v\n", *broker, token.Error())
		os.Exit(1)
	}
	defer client.Disconnect(250)
	fmt.Printf("connected to %s\n", *broker)

	devices := make([]device, *count)
	for i := range devices {
		devices[i] = device{
			Token:    fmt.Sprintf("sim-sensor-%03d", i+1),
			Interval: *interval + time.Duration(i)*time.Second,
		}
	}

	for _, d := range devices {
		subscribeCommands(client, d.Token)
		publish(client, d.Token, envelope{
			Type:        "registration",
			DeviceToken: d.Token,
			Originator:  fmt.Sprintf("reg-%d", time.Now().UnixNano()),
			Request:     registrationRequest{SpecificationToken: *spec, SiteToken: *site},
		})
	}

	switch *mode {
	case "single":
		for _, d := range devices {
			publishMeasurements(client, d.Token)
		}
		time.Sleep(2 * time.Second)
	case "continuous":
		runContinuous(client, devices)
	default:
		fmt.Println("unknown mode, use single or continuous")
		os.Exit(1)
	}
}

func runContinuous(client paho.Client, devices []device) {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for _, d := range devices {
		wg.Add(1)
		go func(d device) {
			defer wg.Done()
			ticker := time.NewTicker(d.Interval)
			defer ticker.Stop()
			for {
				publishMeasurements(client, d.Token)
				select {
				case <-stop:
					return
				case <-ticker.C:
				}
			}
		}(d)
		fmt.Printf("device %s reports every %v\n", d.Token, d.Interval)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	close(stop)
	wg.Wait()
	fmt.Println("disconnecting...")
}

func subscribeCommands(client paho.Client, deviceToken string) {
	topic := fmt.Sprintf("devices/%s/#", deviceToken)
	token := client.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		switch msg.Topic() {
		case fmt.Sprintf("devices/%s/commands", deviceToken), fmt.Sprintf("devices/%s/system", deviceToken):
			fmt.Printf("[%s] %s: %s\n", deviceToken, msg.Topic(), msg.Payload())
		}
	})
	if token.Wait() && token.Error() != nil {
		fmt.Printf("failed to subscribe to %s: %v\n", topic, token.Error())
	}
}

func publishMeasurements(client paho.Client, deviceToken string) {
	temp := 25.0 + (rand.Float64()*10 - 5)
	humidity := 40.0 + rand.Float64()*40
	publish(client, deviceToken, envelope{
		Type:        "measurements",
		DeviceToken: deviceToken,
		Request: measurementsRequest{
			Measurements: map[string]float64{
				"temperature": float64(int(temp*10)) / 10,
				"humidity":    float64(int(humidity*10)) / 10,
			},
			EventDate: time.Now().UTC(),
		},
	})
}

func publish(client paho.Client, deviceToken string, env envelope) {
	topic := fmt.Sprintf("devices/%s/input", deviceToken)
	data, err := json.Marshal(env)
	if err != nil {
		fmt.Printf("failed to encode %s: %v\n", env.Type, err)
		return
	}
	token := client.Publish(topic, 1, false, data)
	token.Wait()
	if token.Error() != nil {
		fmt.Printf("failed to publish to %s: %v\n", topic, token.Error())
		return
	}
	fmt.Printf("published %s\n", data)
}
