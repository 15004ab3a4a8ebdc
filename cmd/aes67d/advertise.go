package main

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/hashicorp/mdns"
)

// serviceType DNS-SD тип, под которым демон публикует HTTP список SDP своих каналов
const serviceType = "_aes67-sdp._tcp"

// advertise публикует HTTP адрес списка каналов через mDNS.
// Возвращает функцию остановки публикации.
func advertise(instance, httpAddr string, locals []string) (func() error, error) {
	_, portStr, err := net.SplitHostPort(httpAddr)
	if err != nil {
		return nil, fmt.Errorf("некорректный адрес HTTP %q: %w", httpAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("некорректный порт HTTP %q: %w", portStr, err)
	}

	ips := make([]net.IP, 0, len(locals))
	for _, addr := range locals {
		if ip := net.ParseIP(addr); ip != nil {
			ips = append(ips, ip)
		}
	}

	service, err := mdns.NewMDNSService(instance, serviceType, "", "", port, ips,
		[]string{"path=/channels", "sessions=/sessions"})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания mDNS сервиса: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("ошибка запуска mDNS сервера: %w", err)
	}

	slog.Info("mDNS публикация", "instance", instance, "type", serviceType, "port", port)
	return server.Shutdown, nil
}
